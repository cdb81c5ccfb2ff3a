package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"partstream/internal/logging"
	"partstream/internal/telemetry"
	"partstream/source/kafka"
)

// Consumer is the part of *kafka.Consumer the admin surface needs.
type Consumer interface {
	State() kafka.State
	Assignment() []kafka.PartitionInfo
	Assign(ctx context.Context, tps ...kafka.TopicPartition) error
	Revoke(ctx context.Context, tps ...kafka.TopicPartition) error
}

type assignmentRequest struct {
	Partitions []string `json:"partitions"` // topic:partition
}

// NewAdminRouter serves health, assignment inspection and control, metrics
// and a shutdown trigger.
func NewAdminRouter(c Consumer, g prometheus.Gatherer, shutdown func()) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := c.State()
		code := http.StatusOK
		if st != kafka.StateRunning {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"state": st.String()})
	})
	r.Get("/partitions", func(w http.ResponseWriter, _ *http.Request) {
		ps := c.Assignment()
		if ps == nil {
			ps = []kafka.PartitionInfo{}
		}
		writeJSON(w, http.StatusOK, ps)
	})
	r.Route("/assignments", func(r chi.Router) {
		r.Post("/", assignmentHandler(c.Assign))
		r.Delete("/", assignmentHandler(c.Revoke))
	})
	r.Post("/shutdown", func(w http.ResponseWriter, _ *http.Request) {
		logging.L().Info("engine: shutdown requested over admin API")
		shutdown()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	})
	r.Method(http.MethodGet, "/metrics", telemetry.Handler(g))
	return r
}

func assignmentHandler(op func(context.Context, ...kafka.TopicPartition) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assignmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tps := make([]kafka.TopicPartition, 0, len(req.Partitions))
		for _, s := range req.Partitions {
			tp, err := kafka.ParseTopicPartition(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			tps = append(tps, tp)
		}
		switch err := op(r.Context(), tps...); {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, kafka.ErrNotManual):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, kafka.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
