package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// ReadinessReporter is the edit event consumer's partition assignment.
type ReadinessReporter interface {
	Enabled() bool
	Readiness() (ready bool, partitions []int32)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type resp struct {
	Status     string            `json:"status"`
	Partitions []int32           `json:"partitions,omitempty"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// Readiness reports ready once the consumer (when enabled) holds an assignment
// and the store (when configured) answers a ping.
func Readiness(rr ReadinessReporter, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := resp{Status: "ready", Checks: map[string]string{}}
		ready := true

		if rr != nil && rr.Enabled() {
			ok, parts := rr.Readiness()
			if ok {
				out.Checks["edit_events"] = "assigned"
				out.Partitions = parts
			} else {
				out.Checks["edit_events"] = "unassigned"
				ready = false
			}
		}
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
			err := store.Ping(ctx)
			cancel()
			if err != nil {
				out.Checks["redis"] = err.Error()
				ready = false
			} else {
				out.Checks["redis"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
