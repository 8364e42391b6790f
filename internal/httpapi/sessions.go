package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"omniman/internal/engine"
	"omniman/internal/model"
	"omniman/internal/ops"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

type createSessionRequest struct {
	ChannelCode string `json:"channel_code"`
	SessionKey  string `json:"session_key,omitempty"`
	HandleType  string `json:"handle_type,omitempty"`
	HandleRef   string `json:"handle_ref,omitempty"`
}

type modifyRequest struct {
	ChannelCode string            `json:"channel_code"`
	Ops         []json.RawMessage `json:"ops"`
}

type resolveRequest struct {
	ChannelCode string `json:"channel_code"`
	IssueID     string `json:"issue_id"`
	ActionID    string `json:"action_id"`
}

type commitRequest struct {
	ChannelCode    string `json:"channel_code"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := s.store.ListSessions(r.Context(), storage.SessionFilter{
		ChannelCode: q.Get("channel_code"),
		State:       model.SessionState(q.Get("state")),
		HandleType:  q.Get("handle_type"),
		HandleRef:   q.Get("handle_ref"),
		Limit:       queryInt(r, "limit"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionViews(sessions))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	sess, err := s.engine.GetSession(r.Context(), key, r.URL.Query().Get("channel_code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

// handleCreateSession opens a session, or returns the existing open session
// when the handle or key is already held. 201 signals a fresh row, 200 a
// reused one.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChannelCode == "" {
		s.writeError(w, r, oerr.Validation(codeMissingChannel, "channel_code is required"))
		return
	}
	sess, created, err := s.engine.CreateSession(r.Context(), engine.CreateSessionParams{
		ChannelCode: req.ChannelCode,
		SessionKey:  req.SessionKey,
		HandleType:  req.HandleType,
		HandleRef:   req.HandleRef,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newSessionView(sess))
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req modifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChannelCode == "" {
		s.writeError(w, r, oerr.Validation(codeMissingChannel, "channel_code is required"))
		return
	}
	if len(req.Ops) == 0 {
		s.writeError(w, r, oerr.Validation(codeMissingOps, "ops is required"))
		return
	}
	decoded, err := ops.DecodeList(req.Ops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.engine.Modify(r.Context(), key, req.ChannelCode, decoded)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChannelCode == "" {
		s.writeError(w, r, oerr.Validation(codeMissingChannel, "channel_code is required"))
		return
	}
	sess, err := s.engine.Resolve(r.Context(), key, req.ChannelCode, req.IssueID, req.ActionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

// handleCommit seals the session. The response body is the cached commit
// result, so a replay is byte-identical to the original; only the HTTP
// status distinguishes 201 (fresh) from 200 (replayed).
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req commitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChannelCode == "" {
		s.writeError(w, r, oerr.Validation(codeMissingChannel, "channel_code is required"))
		return
	}
	res, err := s.engine.Commit(r.Context(), key, req.ChannelCode, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
