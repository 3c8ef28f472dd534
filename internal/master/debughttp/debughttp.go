// Package debughttp exposes the master's operational surface — metrics,
// a liveness probe, and a read-only queue mirror — over plain HTTP,
// separate from the scheduling wire protocol on the main TCP port.
package debughttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mgpu-io/mgpu/internal/master/jobqueue"
	"github.com/mgpu-io/mgpu/internal/master/registry"
	"github.com/mgpu-io/mgpu/internal/protocol"
)

// NewRouter builds the chi mux serving /healthz, /metrics, and /queue.
// jobs and nodes are typically jobqueue.Table.All and registry.Registry.All.
func NewRouter(jobs func() []*jobqueue.Job, nodes func() []*registry.Node) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/queue", func(w http.ResponseWriter, _ *http.Request) {
		resp := protocol.QueueResponse{Type: protocol.TypeQueue}
		for _, j := range jobs() {
			resp.Jobs = append(resp.Jobs, protocol.JobView{
				ID:              j.ID,
				Owner:           j.Owner,
				Command:         j.Command,
				Priority:        j.Priority,
				Status:          string(j.Status),
				RequestedGPUs:   j.RequestedGPUs,
				AssignmentDesc:  j.AssignmentViews(),
				SubmittedAtUnix: j.SubmittedAt.Unix(),
				ExitCode:        j.ExitCode,
				RetryCount:      j.RetryCount,
			})
		}
		for _, n := range nodes() {
			resp.Nodes = append(resp.Nodes, protocol.NodeView{
				ID:            n.ID,
				Status:        string(n.Status),
				TotalGPUs:     n.TotalGPUs(),
				FreeGPUs:      len(n.FreeGPUIndices()),
				FailureCount:  n.FailureCount,
				LastHeartbeat: n.LastHeartbeatAt.Unix(),
				Host:          n.Host,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return r
}
