package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"partstream/source/kafka"
)

func TestMetrics_Emit(t *testing.T) {
	m := New(prometheus.NewRegistry())
	tp := kafka.TopicPartition{Topic: "orders", Partition: 3}

	m.Emit(kafka.PollEvent{Records: 4, Took: time.Millisecond})
	m.Emit(kafka.PollEvent{Err: errors.New("down")})
	m.Emit(kafka.DeliverEvent{Partition: tp, Records: 4})
	m.Emit(kafka.RebalanceEvent{Assigned: []kafka.TopicPartition{tp, {Topic: "orders", Partition: 4}}})
	m.Emit(kafka.BackpressureEvent{Partition: tp, Paused: true})
	m.Emit(kafka.CommitFailed{Attempt: 1, Err: errors.New("x")})
	m.Emit(kafka.CommitSucceeded{Positions: map[kafka.TopicPartition]int64{tp: 41}, Took: 2 * time.Millisecond})
	m.Emit(kafka.StateChanged{State: kafka.StateRunning})

	if got := testutil.ToFloat64(m.Polls); got != 2 {
		t.Errorf("polls = %v", got)
	}
	if got := testutil.ToFloat64(m.PollErrors); got != 1 {
		t.Errorf("poll errors = %v", got)
	}
	if got := testutil.ToFloat64(m.RecordsDelivered.WithLabelValues("orders", "3")); got != 4 {
		t.Errorf("delivered = %v", got)
	}
	if got := testutil.ToFloat64(m.Assigned); got != 2 {
		t.Errorf("assigned = %v", got)
	}
	if got := testutil.ToFloat64(m.Paused); got != 1 {
		t.Errorf("paused = %v", got)
	}
	if got := testutil.ToFloat64(m.CommitErrors.WithLabelValues("false")); got != 1 {
		t.Errorf("commit errors = %v", got)
	}
	if got := testutil.ToFloat64(m.CommittedOffset.WithLabelValues("orders", "3")); got != 41 {
		t.Errorf("committed offset = %v", got)
	}
	if got := testutil.ToFloat64(m.State); got != float64(kafka.StateRunning) {
		t.Errorf("state = %v", got)
	}

	m.Emit(kafka.RebalanceEvent{Revoked: []kafka.TopicPartition{tp}})
	if got := testutil.ToFloat64(m.Assigned); got != 1 {
		t.Errorf("assigned after revoke = %v", got)
	}
	if n := testutil.CollectAndCount(m.CommittedOffset); n != 0 {
		t.Errorf("revoked partition still exported (%d series)", n)
	}
	m.Emit(kafka.StateChanged{State: kafka.StateStopping})
	if got := testutil.ToFloat64(m.Paused); got != 0 {
		t.Errorf("paused after stop = %v", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Emit(kafka.PollEvent{})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "partstream_consumer_polls_total 1") {
		t.Fatalf("polls counter missing:\n%s", rec.Body.String())
	}
}
