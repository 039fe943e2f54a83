// Package statemachine provides a stateless transition table for entities
// whose state lives in storage.
//
// A Table is built once with functional options and is read-only afterwards,
// so it is safe for concurrent use without locking. Callers load an entity,
// ask the table where an event leads, and persist the result themselves:
//
//	const (
//	    Draft     = statemachine.StringState("draft")
//	    Published = statemachine.StringState("published")
//	    Archived  = statemachine.StringState("archived")
//	    Publish   = statemachine.StringEvent("publish")
//	    Archive   = statemachine.StringEvent("archive")
//	)
//
//	table := statemachine.MustNew(
//	    statemachine.WithTerminal(Archived),
//	    statemachine.WithTransition(Draft, Published, Publish),
//	    statemachine.WithTransition(Published, Archived, Archive),
//	)
//
//	next, err := table.Fire(ctx, Draft, Publish, nil)
//
// Several transitions may share a from/event pair; the first one whose
// guards all pass wins, which lets configuration pick between targets.
//
// Errors distinguish an undefined transition (IsNoTransitionAvailableError)
// from one vetoed by guards (IsTransitionRejectedError).
package statemachine
