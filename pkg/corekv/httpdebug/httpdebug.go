// Package httpdebug exposes a running *corekv.Store over HTTP for
// out-of-process inspection, the same role examples/basic's debug mux plays
// for the teacher's in-memory cache. It is deliberately small: one JSON
// snapshot endpoint plus whatever the registered Prometheus registry wants
// to serve, so corekv-inspect (cmd/corekv-inspect) has something to poll.
//
// © 2025 corekv authors. MIT License.
package httpdebug

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Voskan/corekv/pkg/corekv"
)

// Snapshot is the JSON payload served at /debug/corekv/snapshot.
type Snapshot struct {
	Begin                uint64 `json:"begin"`
	Head                 uint64 `json:"head"`
	ReadOnly             uint64 `json:"read_only"`
	Tail                 uint64 `json:"tail"`
	LastCheckpointToken  string `json:"last_checkpoint_token"`
	CheckpointsCommitted int    `json:"checkpoints_committed"`
	GCPasses             int    `json:"gc_passes"`
	LastBackgroundError  string `json:"last_background_error,omitempty"`
}

// Handler builds an http.Handler exposing store's stats as JSON and, when
// reg is non-nil, the registry's metrics at /metrics in the Prometheus
// exposition format via promhttp.
func Handler(store *corekv.Store, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/corekv/snapshot", func(w http.ResponseWriter, r *http.Request) {
		st := store.Stats()
		snap := Snapshot{
			Begin:                uint64(st.Begin),
			Head:                 uint64(st.Head),
			ReadOnly:             uint64(st.ReadOnly),
			Tail:                 uint64(st.Tail),
			LastCheckpointToken:  st.LastCheckpointToken,
			CheckpointsCommitted: st.CheckpointsCommitted,
			GCPasses:             st.GCPasses,
		}
		if st.LastBackgroundError != nil {
			snap.LastBackgroundError = st.LastBackgroundError.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	})
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}
