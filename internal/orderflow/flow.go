// Package orderflow is the order status state machine: a per-channel
// transition graph plus the only write path allowed to change an order's
// status.
package orderflow

import (
	"omniman/internal/model"
)

// defaultTransitions is the canonical status graph. Channels may replace it
// wholesale through config.order_flow.
var defaultTransitions = map[model.Status][]model.Status{
	model.StatusNew:        {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed:  {model.StatusProcessing, model.StatusReady, model.StatusCancelled},
	model.StatusProcessing: {model.StatusReady, model.StatusCancelled},
	model.StatusReady:      {model.StatusDispatched, model.StatusCompleted},
	model.StatusDispatched: {model.StatusDelivered, model.StatusReturned},
	model.StatusDelivered:  {model.StatusCompleted, model.StatusReturned},
	model.StatusCompleted:  {},
	model.StatusCancelled:  {},
	model.StatusReturned:   {model.StatusCompleted},
}

// defaultTerminal is the canonical terminal set.
var defaultTerminal = []model.Status{model.StatusCompleted, model.StatusCancelled}

// Flow is a resolved transition graph for one channel.
type Flow struct {
	transitions map[model.Status][]model.Status
	terminal    map[model.Status]bool
}

// ForChannel resolves the flow for a channel, applying its config.order_flow
// overrides over the defaults. Transitions and the terminal set override
// independently.
func ForChannel(ch *model.Channel) Flow {
	f := Flow{
		transitions: defaultTransitions,
		terminal:    map[model.Status]bool{},
	}
	terminal := defaultTerminal
	if ch != nil && ch.Config.OrderFlow != nil {
		if ch.Config.OrderFlow.Transitions != nil {
			f.transitions = ch.Config.OrderFlow.Transitions
		}
		if ch.Config.OrderFlow.TerminalStatuses != nil {
			terminal = ch.Config.OrderFlow.TerminalStatuses
		}
	}
	for _, s := range terminal {
		f.terminal[s] = true
	}
	return f
}

// IsTerminal reports whether a status accepts no outgoing transitions.
func (f Flow) IsTerminal(s model.Status) bool {
	return f.terminal[s]
}

// CanTransition reports whether from → to is an edge of the graph.
func (f Flow) CanTransition(from, to model.Status) bool {
	for _, next := range f.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from the given one.
func (f Flow) Next(from model.Status) []model.Status {
	return f.transitions[from]
}
