package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"omniman/internal/model"
	"omniman/internal/storage"
)

// ApplyCheckResult writes an async check result onto a session, replacing
// any prior issues from the same source. The write is discarded, returning
// false without error, when the session is gone, its rev moved past
// expectedRev, or it is no longer open; a worker that computed against a
// stale snapshot must not overwrite newer state. The calling handler decides
// whether a discarded write fails its directive.
func (s *Service) ApplyCheckResult(ctx context.Context, sessionKey, channelCode string, expectedRev int64, checkCode string, result map[string]interface{}, issues []model.Issue) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ApplyCheckResult", trace.WithAttributes(
		attribute.String("session_key", sessionKey),
		attribute.String("check", checkCode),
		attribute.Int64("expected_rev", expectedRev)))
	defer span.End()

	applied := false
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		sess, err := tx.SessionForUpdate(ctx, sessionKey)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if channelCode != "" && sess.ChannelCode != channelCode {
			return nil
		}
		if sess.Rev != expectedRev || sess.State != model.SessionOpen {
			return nil
		}
		now := time.Now().UTC()
		sess.Data.SetCheck(checkCode, model.CheckEntry{
			Rev:    sess.Rev,
			At:     now,
			Result: result,
		})
		sess.Data.ReplaceIssuesFromSource(checkCode, issues)
		sess.UpdatedAt = now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Debug("check write-back discarded",
			"session_key", sessionKey,
			"check", checkCode,
			"expected_rev", expectedRev)
	}
	return applied, nil
}
