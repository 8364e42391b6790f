// Package registry holds the extension points of the kernel: validators,
// modifiers, directive handlers, and issue resolvers. The registry is an
// explicit dependency constructed at bootstrap and injected into the engines
// and the worker; nothing registers through package-level state.
package registry

import (
	"context"
	"sort"
	"sync"

	"omniman/internal/model"
	"omniman/internal/ops"
	"omniman/pkg/oerr"
)

// Stage names when a validator runs.
type Stage string

const (
	// StageDraft validators run on every modify, after modifiers.
	StageDraft Stage = "draft"
	// StageCommit validators run once, inside the commit transaction.
	StageCommit Stage = "commit"
)

// Validator inspects a session and vetoes the operation with a kernel error.
type Validator interface {
	Code() string
	Stage() Stage
	Validate(ctx context.Context, ch *model.Channel, s *model.Session) error
}

// Modifier rewrites session state during modify, typically pricing. Modifiers
// run in ascending Order.
type Modifier interface {
	Code() string
	Order() int
	Apply(ctx context.Context, ch *model.Channel, s *model.Session) error
}

// Handler executes one directive topic. A nil return marks the directive
// done; an error marks it failed.
type Handler interface {
	Topic() string
	Handle(ctx context.Context, d *model.Directive) error
}

// ResolveRequest is handed to a resolver with everything it needs to act on
// an issue. Apply runs ops through the modify engine against the locked
// session and returns the updated session.
type ResolveRequest struct {
	Channel  *model.Channel
	Session  *model.Session
	Issue    *model.Issue
	ActionID string
	Apply    func(ctx context.Context, operations []ops.Op) (*model.Session, error)
}

// Resolver turns an issue action into session mutations. Source matches
// Issue.Source.
type Resolver interface {
	Source() string
	Resolve(ctx context.Context, req ResolveRequest) (*model.Session, error)
}

// Registry is the four extension tables. Safe for concurrent use; writes are
// expected only during bootstrap.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	modifiers  map[string]Modifier
	handlers   map[string]Handler
	resolvers  map[string]Resolver
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		validators: map[string]Validator{},
		modifiers:  map[string]Modifier{},
		handlers:   map[string]Handler{},
		resolvers:  map[string]Resolver{},
	}
}

// RegisterValidator adds a validator, rejecting duplicate codes.
func (r *Registry) RegisterValidator(v Validator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[v.Code()]; ok {
		return oerr.Registry(oerr.CodeDuplicateRegistration, "validator already registered").
			With("code", v.Code())
	}
	r.validators[v.Code()] = v
	return nil
}

// RegisterModifier adds a modifier, rejecting duplicate codes.
func (r *Registry) RegisterModifier(m Modifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modifiers[m.Code()]; ok {
		return oerr.Registry(oerr.CodeDuplicateRegistration, "modifier already registered").
			With("code", m.Code())
	}
	r.modifiers[m.Code()] = m
	return nil
}

// RegisterHandler adds a directive handler, rejecting duplicate topics.
func (r *Registry) RegisterHandler(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Topic()]; ok {
		return oerr.Registry(oerr.CodeDuplicateRegistration, "handler already registered").
			With("topic", h.Topic())
	}
	r.handlers[h.Topic()] = h
	return nil
}

// RegisterResolver adds an issue resolver, rejecting duplicate sources.
func (r *Registry) RegisterResolver(rs Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resolvers[rs.Source()]; ok {
		return oerr.Registry(oerr.CodeDuplicateRegistration, "resolver already registered").
			With("source", rs.Source())
	}
	r.resolvers[rs.Source()] = rs
	return nil
}

// Validators returns the validators for a stage, ordered by code for
// deterministic runs.
func (r *Registry) Validators(stage Stage) []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Validator
	for _, v := range r.validators {
		if v.Stage() == stage {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code() < out[j].Code() })
	return out
}

// Modifiers returns all modifiers in ascending Order, ties broken by code.
func (r *Registry) Modifiers() []Modifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Modifier, 0, len(r.modifiers))
	for _, m := range r.modifiers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order() != out[j].Order() {
			return out[i].Order() < out[j].Order()
		}
		return out[i].Code() < out[j].Code()
	})
	return out
}

// Handler returns the handler for a topic, nil when none is registered.
func (r *Registry) Handler(topic string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[topic]
}

// Topics returns all registered handler topics, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Resolver returns the resolver for an issue source, nil when none is
// registered.
func (r *Registry) Resolver(source string) Resolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolvers[source]
}
