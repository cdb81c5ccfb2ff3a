package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"partstream/source/kafka"
)

const namespace = "partstream"

// Metrics turns run-loop diagnostics into Prometheus series. It implements
// kafka.Diagnostics; Emit only touches collectors so it never blocks the loop.
type Metrics struct {
	Polls            prometheus.Counter
	PollErrors       prometheus.Counter
	PollDuration     prometheus.Histogram
	RecordsDelivered *prometheus.CounterVec // topic, partition
	Commits          prometheus.Counter
	CommitErrors     *prometheus.CounterVec // final
	CommitLatency    prometheus.Histogram
	CommittedOffset  *prometheus.GaugeVec // topic, partition
	Rebalances       *prometheus.CounterVec
	Assigned         prometheus.Gauge
	Paused           prometheus.Gauge
	State            prometheus.Gauge
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "polls_total",
			Help: "Broker polls issued by the run-loop.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "poll_errors_total",
			Help: "Polls that returned an error.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "poll_duration_seconds",
			Help:    "Time spent in a single broker poll.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		RecordsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "records_delivered_total",
			Help: "Records handed to partition streams.",
		}, []string{"topic", "partition"}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "offset_commits_total",
			Help: "Successful offset commits.",
		}),
		CommitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "offset_commit_errors_total",
			Help: "Failed offset commit attempts.",
		}, []string{"final"}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "offset_commit_latency_seconds",
			Help:    "Time from commit request to broker acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		CommittedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "committed_offset",
			Help: "Last committed processed position per partition.",
		}, []string{"topic", "partition"}),
		Rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "rebalances_total",
			Help: "Partition assignment changes.",
		}, []string{"kind"}),
		Assigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "assigned_partitions",
			Help: "Partitions currently assigned.",
		}),
		Paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "paused_partitions",
			Help: "Partitions paused for backpressure.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "state",
			Help: "Run-loop state: 0 new, 1 running, 2 stopping, 3 stopped.",
		}),
	}
	reg.MustRegister(
		m.Polls, m.PollErrors, m.PollDuration, m.RecordsDelivered,
		m.Commits, m.CommitErrors, m.CommitLatency, m.CommittedOffset,
		m.Rebalances, m.Assigned, m.Paused, m.State,
	)
	return m
}

func (m *Metrics) Emit(e kafka.Event) {
	switch ev := e.(type) {
	case kafka.PollEvent:
		m.Polls.Inc()
		m.PollDuration.Observe(ev.Took.Seconds())
		if ev.Err != nil {
			m.PollErrors.Inc()
		}
	case kafka.DeliverEvent:
		m.RecordsDelivered.WithLabelValues(labels(ev.Partition)...).Add(float64(ev.Records))
	case kafka.BackpressureEvent:
		if ev.Paused {
			m.Paused.Inc()
		} else {
			m.Paused.Dec()
		}
	case kafka.RebalanceEvent:
		if n := len(ev.Assigned); n > 0 {
			m.Rebalances.WithLabelValues("assigned").Inc()
			m.Assigned.Add(float64(n))
		}
		if n := len(ev.Revoked); n > 0 {
			m.Rebalances.WithLabelValues("revoked").Inc()
			m.Assigned.Sub(float64(n))
			for _, tp := range ev.Revoked {
				m.CommittedOffset.DeleteLabelValues(labels(tp)...)
			}
		}
	case kafka.CommitSucceeded:
		m.Commits.Inc()
		m.CommitLatency.Observe(ev.Took.Seconds())
		for tp, pos := range ev.Positions {
			m.CommittedOffset.WithLabelValues(labels(tp)...).Set(float64(pos))
		}
	case kafka.CommitFailed:
		m.CommitErrors.WithLabelValues(strconv.FormatBool(ev.Final)).Inc()
	case kafka.StateChanged:
		m.State.Set(float64(ev.State))
		if ev.State == kafka.StateStopping || ev.State == kafka.StateStopped {
			m.Paused.Set(0)
		}
	}
}

func labels(tp kafka.TopicPartition) []string {
	return []string{tp.Topic, strconv.Itoa(int(tp.Partition))}
}

// Handler serves the gathered metrics in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
