package statemachine

import (
	"context"
	"fmt"
)

// Table is an immutable transition table. It holds no current state:
// callers pass the state they loaded from storage and persist the result,
// so one table serves any number of entities concurrently.
// Lookups are O(1) through map[fromState][event][]Transition.
type Table struct {
	transitions map[string]map[string][]Transition
	terminal    map[string]struct{}
}

func newTable() *Table {
	return &Table{
		transitions: make(map[string]map[string][]Transition),
		terminal:    make(map[string]struct{}),
	}
}

func (t *Table) add(from, to State, event Event, guards []Guard, actions []Action) error {
	if from == nil || to == nil || event == nil {
		return ErrInvalidTransition
	}
	if t.IsTerminal(from) {
		return fmt.Errorf("%w: %s", ErrTransitionFromTerminal, from.Name())
	}

	if _, ok := t.transitions[from.Name()]; !ok {
		t.transitions[from.Name()] = make(map[string][]Transition)
	}

	// Multiple transitions allowed for same from/event to support guard-based branching
	t.transitions[from.Name()][event.Name()] = append(t.transitions[from.Name()][event.Name()], Transition{
		From:    from,
		To:      to,
		Event:   event,
		Guards:  guards,
		Actions: actions,
	})
	return nil
}

// Resolve finds the transition for event out of from without running actions.
// The first transition whose guards all pass wins.
func (t *Table) Resolve(ctx context.Context, from State, event Event, data any) (Transition, error) {
	if from == nil || event == nil {
		return Transition{}, ErrInvalidEvent
	}

	candidates := t.transitions[from.Name()][event.Name()]
	if len(candidates) == 0 {
		return Transition{}, NewErrNoTransitionAvailable(from.Name(), event.Name())
	}

	for _, tr := range candidates {
		if guardsPass(ctx, tr, from, event, data) {
			return tr, nil
		}
	}
	return Transition{}, NewErrTransitionRejected(from.Name(), event.Name())
}

// Fire resolves the transition and runs its actions. It returns the target
// state; the caller is responsible for persisting it.
func (t *Table) Fire(ctx context.Context, from State, event Event, data any) (State, error) {
	tr, err := t.Resolve(ctx, from, event, data)
	if err != nil {
		return nil, err
	}

	// Any action failure aborts the transition
	for _, action := range tr.Actions {
		if err := action(ctx, from, tr.To, event, data); err != nil {
			return nil, fmt.Errorf("action failed: %w", err)
		}
	}
	return tr.To, nil
}

// Can reports whether event would be accepted out of from.
func (t *Table) Can(ctx context.Context, from State, event Event, data any) bool {
	_, err := t.Resolve(ctx, from, event, data)
	return err == nil
}

// IsTerminal reports whether s was declared terminal.
func (t *Table) IsTerminal(s State) bool {
	if s == nil {
		return false
	}
	_, ok := t.terminal[s.Name()]
	return ok
}

// Events lists the event names accepted out of from, ignoring guards.
func (t *Table) Events(from State) []string {
	events := make([]string, 0, len(t.transitions[from.Name()]))
	for name := range t.transitions[from.Name()] {
		events = append(events, name)
	}
	return events
}

// Reachable returns the names of every state reachable from the initial
// states, the initial states included.
func (t *Table) Reachable(initial ...State) map[string]bool {
	seen := make(map[string]bool)
	queue := make([]string, 0, len(initial))
	for _, s := range initial {
		if s != nil && !seen[s.Name()] {
			seen[s.Name()] = true
			queue = append(queue, s.Name())
		}
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, trs := range t.transitions[name] {
			for _, tr := range trs {
				if !seen[tr.To.Name()] {
					seen[tr.To.Name()] = true
					queue = append(queue, tr.To.Name())
				}
			}
		}
	}
	return seen
}

func guardsPass(ctx context.Context, tr Transition, from State, event Event, data any) bool {
	for _, guard := range tr.Guards {
		if guard != nil && !guard(ctx, from, event, data) {
			return false
		}
	}
	return true
}
