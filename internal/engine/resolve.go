package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"omniman/internal/model"
	"omniman/internal/ops"
	"omniman/internal/registry"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

// Resolve applies one remediation action to an issue on a session. The
// resolver registered for the issue's source owns the semantics; it gets an
// Apply callback that replays ops through the modify pipeline inside the
// same transaction, so a successful resolve bumps Rev and clears checks
// exactly like a modify.
func (s *Service) Resolve(ctx context.Context, sessionKey, channelCode, issueID, actionID string) (*model.Session, error) {
	ctx, span := s.tracer.Start(ctx, "Resolve", trace.WithAttributes(
		attribute.String("session_key", sessionKey),
		attribute.String("issue_id", issueID),
		attribute.String("action_id", actionID)))
	defer span.End()
	start := time.Now()

	var out *model.Session
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		sess, err := tx.SessionForUpdate(ctx, sessionKey)
		if storage.IsNotFound(err) {
			return oerr.Resolve(oerr.CodeSessionNotFound, "session not found").
				With("session_key", sessionKey)
		}
		if err != nil {
			return err
		}
		if channelCode != "" && sess.ChannelCode != channelCode {
			return oerr.Resolve(oerr.CodeSessionNotFound, "session not found on this channel").
				With("session_key", sessionKey).
				With("channel_code", channelCode)
		}
		issue := sess.Data.IssueByID(issueID)
		if issue == nil {
			return oerr.Resolve(oerr.CodeIssueNotFound, "no such issue on this session").
				With("issue_id", issueID)
		}
		resolver := s.reg.Resolver(issue.Source)
		if resolver == nil {
			return oerr.Resolve(oerr.CodeNoResolver, "no resolver handles this issue source").
				With("source", issue.Source)
		}
		ch, err := tx.ChannelByCode(ctx, sess.ChannelCode)
		if err != nil {
			return err
		}

		resolved, err := resolver.Resolve(ctx, registry.ResolveRequest{
			Channel:  ch,
			Session:  sess,
			Issue:    issue,
			ActionID: actionID,
			Apply: func(ctx context.Context, operations []ops.Op) (*model.Session, error) {
				return s.applyOps(ctx, tx, ch, sess, operations)
			},
		})
		if err != nil {
			var oe *oerr.Error
			if errors.As(err, &oe) {
				return err
			}
			return oerr.Resolve(oerr.CodeResolverError, "resolver failed").
				With("source", issue.Source).
				With("cause", err.Error())
		}
		out = resolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ModifyTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", out.ChannelCode),
		attribute.String("engine", "resolve")))
	s.metrics.WriteLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("engine", "resolve")))
	s.logger.Info("issue resolved",
		"session_key", sessionKey,
		"issue_id", issueID,
		"action_id", actionID,
		"rev", out.Rev)
	return out, nil
}
