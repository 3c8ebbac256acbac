package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/node"
	"github.com/muhrin/aiida-core/internal/process"
)

// ProcessResponse is the JSON form of a process record.
type ProcessResponse struct {
	PID         int64              `json:"pid"`
	UUID        string             `json:"uuid"`
	Type        core.NodeType      `json:"type"`
	ProcessType string             `json:"process_type"`
	Label       string             `json:"label,omitempty"`
	Status      core.ProcessStatus `json:"status"`
	JobState    core.JobState      `json:"job_state,omitempty"`
	Computer    string             `json:"computer,omitempty"`
	User        string             `json:"user,omitempty"`
	JobID       string             `json:"job_id,omitempty"`
	Locked      bool               `json:"locked"`
	CreatedAt   time.Time          `json:"created_at"`
	ModifiedAt  time.Time          `json:"modified_at"`
	Outputs     map[string]any     `json:"outputs,omitempty"`
}

// CheckpointResponse is the JSON form of a checkpoint bundle.
type CheckpointResponse struct {
	PID         int64              `json:"pid"`
	ProcessType string             `json:"process_type"`
	Status      core.ProcessStatus `json:"status"`
	Step        int                `json:"step"`
	Inputs      process.Inputs     `json:"inputs"`
	Vars        map[string]any     `json:"vars,omitempty"`
	Outputs     process.Outputs    `json:"outputs,omitempty"`
	Awaiting    []int64            `json:"awaiting,omitempty"`
}

func processResponse(n *core.Node) ProcessResponse {
	return ProcessResponse{
		PID:         n.PK,
		UUID:        n.UUID,
		Type:        n.Type,
		ProcessType: n.ProcessType,
		Label:       n.Label,
		Status:      n.Status,
		JobState:    n.JobState,
		Computer:    n.Computer,
		User:        n.User,
		JobID:       n.JobID,
		Locked:      n.Locked,
		CreatedAt:   n.CreatedAt,
		ModifiedAt:  n.ModifiedAt,
	}
}

func pidParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || pid <= 0 {
		return 0, core.ErrValidation(core.CodeInvalidPID, "pid must be a positive integer").WithDetail("pid", raw)
	}
	return pid, nil
}

// handleListProcesses lists records filtered by type, status (comma
// separated), job_state, computer and limit query parameters.
func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.NodeFilter{
		Type:     core.NodeType(q.Get("type")),
		JobState: core.JobState(q.Get("job_state")),
		Computer: q.Get("computer"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, core.ProcessStatus(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	nodes, err := s.backend.ListNodes(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing processes", "error", err)
		respondDomainError(w, err)
		return
	}
	out := make([]ProcessResponse, len(nodes))
	for i, n := range nodes {
		out[i] = processResponse(n)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	rec, err := node.Load(r.Context(), s.backend, pid)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	n := rec.Node()
	resp := processResponse(&n)
	if resp.Outputs, err = rec.Outputs(r.Context()); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	b, err := s.persister.LoadCheckpoint(r.Context(), pid, r.URL.Query().Get("tag"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CheckpointResponse{
		PID:         b.PID,
		ProcessType: b.ProcessType,
		Status:      b.Status,
		Step:        b.Step,
		Inputs:      b.Inputs,
		Vars:        b.Vars,
		Outputs:     b.Outputs,
		Awaiting:    b.Awaiting,
	})
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := s.persister.DeleteCheckpoint(r.Context(), pid, r.URL.Query().Get("tag")); err != nil {
		respondDomainError(w, err)
		return
	}
	s.logger.Info("deleted checkpoint", "pid", pid)
	w.WriteHeader(http.StatusNoContent)
}

// handleForceUnlock clears a stale claim left by a crashed holder.
func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	rec, err := node.Load(r.Context(), s.backend, pid)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := rec.ForceUnlock(r.Context()); err != nil {
		respondDomainError(w, err)
		return
	}
	s.logger.Warn("force unlocked process", "pid", pid)
	n := rec.Node()
	respondJSON(w, http.StatusOK, processResponse(&n))
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.persister.GetCheckpoints(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cps)
}
