// Package refs attaches scoped external locators (table numbers, pickup
// codes, marketplace ids, tickets) to sessions and orders. Ref types are
// declared once at process start; attachment, resolution, and the commit
// carryover all run under the store's row locks.
package refs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/storage"
	"omniman/pkg/oerr"
)

// Target names which entity kinds a ref type accepts.
type Target string

const (
	TargetSession Target = "session"
	TargetOrder   Target = "order"
	TargetBoth    Target = "both"
)

func (t Target) accepts(kind model.TargetKind) bool {
	switch t {
	case TargetBoth:
		return kind == model.TargetSession || kind == model.TargetOrder
	case TargetSession:
		return kind == model.TargetSession
	case TargetOrder:
		return kind == model.TargetOrder
	default:
		return false
	}
}

// Sequence makes a ref type allocate its values from a per-scope counter.
// Width zero-pads the rendered value.
type Sequence struct {
	Width int
}

// Definition declares one ref type.
type Definition struct {
	Slug                  string
	Label                 string
	Target                Target
	ScopeKeys             []string
	UniqueWhileActive     bool
	ExpiresOnSessionClose bool
	CopyToOrder           bool
	Sequence              *Sequence
}

// Service is the refs subsystem. Definitions are registered during bootstrap
// and read-only afterwards.
type Service struct {
	store  storage.Store
	logger core.ILogger

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewService creates an empty refs service.
func NewService(store storage.Store, logger core.ILogger) *Service {
	return &Service{store: store, logger: logger, defs: map[string]Definition{}}
}

// Define registers a ref type. Duplicate slugs are rejected.
func (s *Service) Define(def Definition) error {
	if def.Slug == "" {
		return oerr.Registry(oerr.CodeDuplicateRegistration, "ref type needs a slug")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.Slug]; ok {
		return oerr.Registry(oerr.CodeDuplicateRegistration, "ref type already defined").
			With("slug", def.Slug)
	}
	s.defs[def.Slug] = def
	return nil
}

// Definition returns a registered type, false when unknown.
func (s *Service) Definition(slug string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[slug]
	return def, ok
}

// Definitions returns all registered types sorted by slug.
func (s *Service) Definitions() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// NormalizeValue is the canonical form refs are stored and looked up in.
func NormalizeValue(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// restrictScope keeps only the declared keys, in declaration order.
func restrictScope(def Definition, scope map[string]string) map[string]string {
	out := make(map[string]string, len(def.ScopeKeys))
	for _, k := range def.ScopeKeys {
		out[k] = scope[k]
	}
	return out
}

func (s *Service) checkedDef(slug string, kind model.TargetKind, scope map[string]string) (Definition, error) {
	def, ok := s.Definition(slug)
	if !ok {
		return Definition{}, oerr.Ref(oerr.CodeRefTypeNotFound, "unknown ref type").With("ref_type", slug)
	}
	if !def.Target.accepts(kind) {
		return Definition{}, oerr.Ref(oerr.CodeRefTargetInvalid, "ref type does not accept this target").
			With("ref_type", slug).With("target_kind", string(kind))
	}
	for _, k := range def.ScopeKeys {
		if _, ok := scope[k]; !ok {
			return Definition{}, oerr.Ref(oerr.CodeRefScopeInvalid, "scope is missing a required key").
				With("ref_type", slug).With("missing_key", k)
		}
	}
	return def, nil
}

// Attach creates (or idempotently returns) a ref on the target. An empty
// value on a sequence-backed type allocates the next counter value for the
// scope. Uniqueness is enforced under row lock for unique_while_active types.
func (s *Service) Attach(ctx context.Context, kind model.TargetKind, targetID int64, slug, value string, scope map[string]string) (*model.Ref, error) {
	def, err := s.checkedDef(slug, kind, scope)
	if err != nil {
		return nil, err
	}
	scope = restrictScope(def, scope)
	value = NormalizeValue(value)
	if value == "" && def.Sequence == nil {
		return nil, oerr.Ref(oerr.CodeRefValueInvalid, "ref value is required").With("ref_type", slug)
	}

	var out *model.Ref
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = s.attachInTx(ctx, tx, def, kind, targetID, value, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("ref attached",
		"ref_type", out.RefType,
		"value", out.Value,
		"target_kind", string(out.TargetKind),
		"target_id", out.TargetID)
	return out, nil
}

// attachInTx is Attach's transactional body, shared with the commit
// carryover which already holds a transaction.
func (s *Service) attachInTx(ctx context.Context, tx storage.Tx, def Definition, kind model.TargetKind, targetID int64, value string, scope map[string]string) (*model.Ref, error) {
	scopeHash := storage.ScopeHash(scope)

	if value == "" && def.Sequence != nil {
		n, err := tx.NextSequenceValue(ctx, def.Slug, scopeHash)
		if err != nil {
			return nil, err
		}
		value = formatSequence(n, def.Sequence.Width)
	}

	if def.UniqueWhileActive {
		existing, err := tx.ActiveRefForUpdate(ctx, def.Slug, value, scopeHash)
		if err != nil && !storage.IsNotFound(err) {
			return nil, err
		}
		if existing != nil {
			if existing.TargetKind == kind && existing.TargetID == targetID {
				return existing, nil
			}
			return nil, oerr.Ref(oerr.CodeRefConflict, "value is already attached elsewhere").
				With("ref_type", def.Slug).With("value", value)
		}
	} else {
		// Non-unique types still attach idempotently per target.
		existing, err := tx.ActiveRefsForTarget(ctx, kind, targetID)
		if err != nil {
			return nil, err
		}
		for _, r := range existing {
			if r.RefType == def.Slug && r.Value == value && storage.ScopeHash(r.Scope) == scopeHash {
				return r, nil
			}
		}
	}

	now := time.Now().UTC()
	r := &model.Ref{
		RefType:    def.Slug,
		TargetKind: kind,
		TargetID:   targetID,
		Value:      value,
		Scope:      scope,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.InsertRef(ctx, r); err != nil {
		if storage.IsConflict(err) {
			return nil, oerr.Ref(oerr.CodeRefConflict, "value is already attached elsewhere").
				With("ref_type", def.Slug).With("value", value)
		}
		return nil, err
	}
	return r, nil
}

// Resolve finds the active ref for a normalized value within a scope.
func (s *Service) Resolve(ctx context.Context, slug, value string, scope map[string]string) (*model.Ref, error) {
	def, ok := s.Definition(slug)
	if !ok {
		return nil, oerr.Ref(oerr.CodeRefTypeNotFound, "unknown ref type").With("ref_type", slug)
	}
	scope = restrictScope(def, scope)
	value = NormalizeValue(value)

	r, err := s.store.GetActiveRef(ctx, slug, value, storage.ScopeHash(scope))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, oerr.Ref(oerr.CodeRefNotFound, "no active ref for value").
				With("ref_type", slug).With("value", value)
		}
		return nil, err
	}
	return r, nil
}

// Deactivate flips matching active refs on the target to inactive. With no
// slugs every active ref on the target is deactivated. Returns the count.
func (s *Service) Deactivate(ctx context.Context, kind model.TargetKind, targetID int64, slugs ...string) (int, error) {
	want := map[string]bool{}
	for _, slug := range slugs {
		want[slug] = true
	}
	n := 0
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		n = 0
		active, err := tx.ActiveRefsForTarget(ctx, kind, targetID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, r := range active {
			if len(want) > 0 && !want[r.RefType] {
				continue
			}
			r.IsActive = false
			r.UpdatedAt = now
			if err := tx.UpdateRef(ctx, r); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// OnSessionCommitted runs inside the commit transaction after the order row
// exists: session refs whose type carries over are copied onto the order,
// and refs that expire on session close are deactivated.
func (s *Service) OnSessionCommitted(ctx context.Context, tx storage.Tx, session *model.Session, order *model.Order) error {
	active, err := tx.ActiveRefsForTarget(ctx, model.TargetSession, session.ID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range active {
		def, ok := s.Definition(r.RefType)
		if !ok {
			// Type no longer defined in this process; leave the row alone.
			continue
		}
		if def.CopyToOrder {
			copied := &model.Ref{
				RefType:    r.RefType,
				TargetKind: model.TargetOrder,
				TargetID:   order.ID,
				Value:      r.Value,
				Scope:      r.Scope,
				IsActive:   true,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertRef(ctx, copied); err != nil {
				return fmt.Errorf("failed to carry ref %s over to order %s: %w", r.RefType, order.Ref, err)
			}
		}
		if def.ExpiresOnSessionClose {
			r.IsActive = false
			r.UpdatedAt = now
			if err := tx.UpdateRef(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func formatSequence(n int64, width int) string {
	if width <= 0 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%0*d", width, n)
}
