// Package clientapi is the thin REST transport adapter over JobManager,
// §6's "transport-agnostic" client job API realized over HTTP. It is glue,
// not business logic: every handler calls straight into
// internal/jobmanager and maps the return value/error onto the HTTP codes
// §6 names. Grounded on Giorgimosidze09-gpu/api/rest's routes+handlers
// split (gorilla/mux subrouter, one handler struct per resource).
package clientapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pai3-ceo/powernode-dim/internal/job"
	"github.com/pai3-ceo/powernode-dim/internal/jobmanager"
	"github.com/pai3-ceo/powernode-dim/internal/joberr"
)

type JobHandler struct {
	mgr     *jobmanager.Manager
	limiter *userLimiter
}

func NewJobHandler(mgr *jobmanager.Manager, tokensPerUserPerMinute int) *JobHandler {
	return &JobHandler{mgr: mgr, limiter: newUserLimiter(tokensPerUserPerMinute)}
}

// SetupRoutes registers the §6 client job API under /v1 on r. Submission is
// the only rate-limited route; status/result/cancel reads are not metered.
func SetupRoutes(r *mux.Router, mgr *jobmanager.Manager, tokensPerUserPerMinute int) {
	h := NewJobHandler(mgr, tokensPerUserPerMinute)
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/result", h.GetResult).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods(http.MethodPost)
}

type submitRequest struct {
	Spec        *job.Spec    `json:"spec"`
	Priority    job.Priority `json:"priority"`
	CostCeiling float64      `json:"cost_ceiling"`
	Owner       string       `json:"owner"`
}

type submitResponse struct {
	JobID               string     `json:"job_id"`
	State               job.State  `json:"state"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, joberr.New(joberr.BadSpec, "malformed request body: %v", err))
		return
	}
	if req.Priority == "" {
		req.Priority = job.PriorityNormal
	}

	if !h.limiter.allow(req.Owner, time.Now()) {
		writeError(w, joberr.New(joberr.RateLimited, "rate limit exceeded for %s", req.Owner))
		return
	}

	jobID, eta, err := h.mgr.Submit(r.Context(), req.Spec, req.Owner, req.Priority, req.CostCeiling)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := submitResponse{JobID: jobID, State: job.Pending, EstimatedCompletion: &eta}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	State    job.State    `json:"state"`
	Pattern  job.Pattern  `json:"pattern"`
	Progress job.Progress `json:"progress"`
	Error    *string      `json:"error,omitempty"`
}

func (h *JobHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	j, err := h.mgr.Status(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{State: j.State, Pattern: j.Pattern, Progress: j.Progress}
	if j.State == job.Failed {
		msg := j.FailureMsg
		resp.Error = &msg
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultResponse struct {
	Handle string `json:"handle"`
}

func (h *JobHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	handle, err := h.mgr.Result(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Handle: handle})
}

type cancelResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.mgr.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{JobID: jobID, State: "cancelled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a joberr.Kind onto the HTTP status codes §6 names.
func writeError(w http.ResponseWriter, err error) {
	kind := joberr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case joberr.BadSpec:
		status = http.StatusBadRequest
	case joberr.NotFound:
		status = http.StatusNotFound
	case joberr.AlreadyTerminal:
		status = http.StatusConflict
	case joberr.Backpressure, joberr.NodeUnavailable, joberr.RateLimited:
		status = http.StatusTooManyRequests
	case joberr.InsufficientNodes:
		status = http.StatusServiceUnavailable
	case joberr.NotReady:
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}
