package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/jobcoord/jobmaster"
	"github.com/hanfei1991/jobcoord/model"
	derror "github.com/hanfei1991/jobcoord/pkg/errors"
	"github.com/hanfei1991/jobcoord/pkg/future"
	"github.com/hanfei1991/jobcoord/pkg/promutil"
)

const snapshotTimeout = 5 * time.Second

type snapshotter interface {
	Snapshot(ctx context.Context) *future.Future[*jobmaster.Snapshot]
}

type jobView struct {
	JobID       model.JobID       `json:"job-id"`
	JobMasterID model.JobMasterID `json:"job-master-id"`
	Epoch       model.Epoch       `json:"epoch"`
	State       model.JobState    `json:"state"`
	Cause       string            `json:"cause,omitempty"`
	TaskSummary map[string]int    `json:"task-summary"`
}

type resourceManagerView struct {
	Connection     *model.ResourceManagerConnection `json:"connection"`
	PendingAddress string                           `json:"pending-address,omitempty"`
}

// newStatusHandler returns the router of the status API.
func newStatusHandler(jm snapshotter, registry *promutil.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promutil.HTTPHandlerForMetric(registry))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if _, err := takeSnapshot(req.Context(), jm); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/job", func(r chi.Router) {
		r.Get("/", snapshotHandler(jm, func(s *jobmaster.Snapshot) interface{} {
			return &jobView{
				JobID:       s.JobID,
				JobMasterID: s.JobMasterID,
				Epoch:       s.Epoch,
				State:       s.State,
				Cause:       s.Cause,
				TaskSummary: s.TaskSummary,
			}
		}))
		r.Get("/tasks", snapshotHandler(jm, func(s *jobmaster.Snapshot) interface{} {
			return s.Tasks
		}))
		r.Get("/clients", snapshotHandler(jm, func(s *jobmaster.Snapshot) interface{} {
			return s.Clients
		}))
		r.Get("/resource-manager", snapshotHandler(jm, func(s *jobmaster.Snapshot) interface{} {
			return &resourceManagerView{
				Connection:     s.ResourceManager,
				PendingAddress: s.PendingRMAddress,
			}
		}))
	})
	return r
}

func snapshotHandler(jm snapshotter, view func(*jobmaster.Snapshot) interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snapshot, err := takeSnapshot(req.Context(), jm)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view(snapshot))
	}
}

func takeSnapshot(ctx context.Context, jm snapshotter) (*jobmaster.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	return jm.Snapshot(ctx).Get(ctx)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case derror.Is(err, derror.ErrJobMasterClosed):
		code = http.StatusServiceUnavailable
	case errors.Cause(err) == context.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Warn("write status response failed", zap.Error(err))
	}
}
