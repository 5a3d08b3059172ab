package api

import (
	"net/http"

	"github.com/user/taskforge/internal/apperr"
	"github.com/user/taskforge/internal/lifecycle"
	"github.com/user/taskforge/internal/store"
)

// listCheckpoints returns a project's unresolved checkpoints by
// default; ?resolved=true includes the full history.
func (h *handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	var checkpoints []*store.Checkpoint
	var err error
	if r.URL.Query().Get("resolved") == "true" {
		checkpoints, err = h.checkpoints.ListByProject(r.Context(), r.PathValue("id"))
	} else {
		checkpoints, err = h.checkpoints.ListUnresolved(r.Context(), r.PathValue("id"))
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]checkpointJSON, 0, len(checkpoints))
	for _, c := range checkpoints {
		out = append(out, toCheckpointJSON(c))
	}
	jsonResponse(w, http.StatusOK, out)
}

type resolveCheckpointRequest struct {
	Action   string `json:"action"` // retry, skip, fail
	Guidance string `json:"guidance,omitempty"`
}

func (h *handler) resolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req resolveCheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	switch req.Action {
	case lifecycle.ResolveRetry, lifecycle.ResolveSkip, lifecycle.ResolveFail:
	default:
		writeErr(w, apperr.Conflictf("action must be retry, skip, or fail"))
		return
	}
	cp, err := h.lifecycle.ResolveCheckpoint(r.Context(), r.PathValue("id"), req.Action, req.Guidance)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, toCheckpointJSON(cp))
}
