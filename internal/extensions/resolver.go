package extensions

import (
	"context"

	"omniman/internal/model"
	"omniman/internal/ops"
	"omniman/internal/registry"
	"omniman/pkg/oerr"
)

// stockResolver replays the ops an issue action carries. The action rev must
// still match the session rev; stock advice computed for an older snapshot
// is worthless and the caller has to re-check.
type stockResolver struct{}

func (r *stockResolver) Source() string { return "stock" }

func (r *stockResolver) Resolve(ctx context.Context, req registry.ResolveRequest) (*model.Session, error) {
	action := req.Issue.ActionByID(req.ActionID)
	if action == nil {
		return nil, oerr.Resolve(oerr.CodeActionNotFound, "action not found on issue").
			With("issue_id", req.Issue.ID).
			With("action_id", req.ActionID)
	}
	if action.Rev != req.Session.Rev {
		return nil, oerr.Resolve(oerr.CodeStaleAction, "action was computed for an older session revision").
			With("action_rev", action.Rev).
			With("session_rev", req.Session.Rev)
	}
	if len(action.Ops) == 0 {
		return nil, oerr.Resolve(oerr.CodeNoOps, "action carries no operations").
			With("action_id", req.ActionID)
	}

	operations, err := ops.DecodeList(action.Ops)
	if err != nil {
		return nil, oerr.Rekind(err, oerr.KindResolve, oerr.CodeResolverError)
	}
	sess, err := req.Apply(ctx, operations)
	if err != nil {
		return nil, oerr.Rekind(err, oerr.KindResolve, oerr.CodeResolverError)
	}
	return sess, nil
}
