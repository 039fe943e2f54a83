package statemachine_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dmitrymomot/billingkit/pkg/statemachine"
)

const (
	Draft     = statemachine.StringState("draft")
	InReview  = statemachine.StringState("in_review")
	Approved  = statemachine.StringState("approved")
	Rejected  = statemachine.StringState("rejected")
	Archived  = statemachine.StringState("archived")
	Orphan    = statemachine.StringState("orphan")
	Submit    = statemachine.StringEvent("submit")
	Approve   = statemachine.StringEvent("approve")
	Reject    = statemachine.StringEvent("reject")
	Archive   = statemachine.StringEvent("archive")
	Unarchive = statemachine.StringEvent("unarchive")
)

func TestTableFire(t *testing.T) {
	t.Parallel()

	table := statemachine.MustNew(
		statemachine.WithTerminal(Archived),
		statemachine.WithTransition(Draft, InReview, Submit),
		statemachine.WithTransition(InReview, Approved, Approve),
		statemachine.WithTransition(Approved, Archived, Archive),
	)
	ctx := context.Background()

	next, err := table.Fire(ctx, Draft, Submit, nil)
	if err != nil {
		t.Fatalf("Failed to fire Submit event: %v", err)
	}
	if next != InReview {
		t.Fatalf("Expected state to be %s, got %s", InReview, next)
	}

	// The table is stateless: firing from Draft again works the same way.
	next, err = table.Fire(ctx, Draft, Submit, nil)
	if err != nil || next != InReview {
		t.Fatalf("Expected repeatable transition, got %v, %v", next, err)
	}

	if !table.Can(ctx, InReview, Approve, nil) {
		t.Fatal("Expected Approve to be accepted from in_review")
	}
	if table.Can(ctx, Draft, Approve, nil) {
		t.Fatal("Expected Approve to be refused from draft")
	}
	if !table.IsTerminal(Archived) || table.IsTerminal(Draft) {
		t.Fatal("Unexpected terminal classification")
	}
}

func TestTableNoTransition(t *testing.T) {
	t.Parallel()

	table := statemachine.MustNew(statemachine.WithTransition(Draft, InReview, Submit))
	_, err := table.Fire(context.Background(), InReview, Submit, nil)
	if !statemachine.IsNoTransitionAvailableError(err) {
		t.Fatalf("Expected no transition error, got %v", err)
	}
	if !strings.Contains(err.Error(), "in_review") {
		t.Fatalf("Expected error to name the state, got %q", err.Error())
	}
}

func TestTableGuardBranching(t *testing.T) {
	t.Parallel()

	isStrict := func(_ context.Context, _ statemachine.State, _ statemachine.Event, data any) bool {
		strict, _ := data.(bool)
		return strict
	}
	table := statemachine.MustNew(
		statemachine.WithTransition(InReview, Rejected, Reject, statemachine.WithGuard(isStrict)),
		statemachine.WithTransition(InReview, Draft, Reject),
	)
	ctx := context.Background()

	next, err := table.Fire(ctx, InReview, Reject, true)
	if err != nil || next != Rejected {
		t.Fatalf("Expected rejected, got %v, %v", next, err)
	}
	next, err = table.Fire(ctx, InReview, Reject, false)
	if err != nil || next != Draft {
		t.Fatalf("Expected draft, got %v, %v", next, err)
	}
}

func TestTableGuardRejects(t *testing.T) {
	t.Parallel()

	never := func(context.Context, statemachine.State, statemachine.Event, any) bool { return false }
	table := statemachine.MustNew(
		statemachine.WithTransition(Draft, InReview, Submit, statemachine.WithGuard(never)),
	)
	_, err := table.Fire(context.Background(), Draft, Submit, nil)
	if !statemachine.IsTransitionRejectedError(err) {
		t.Fatalf("Expected rejected error, got %v", err)
	}
}

func TestTableActions(t *testing.T) {
	t.Parallel()

	var calls []string
	record := func(_ context.Context, from, to statemachine.State, _ statemachine.Event, _ any) error {
		calls = append(calls, from.Name()+"->"+to.Name())
		return nil
	}
	failing := func(context.Context, statemachine.State, statemachine.State, statemachine.Event, any) error {
		return errors.New("boom")
	}

	table := statemachine.MustNew(
		statemachine.WithTransition(Draft, InReview, Submit, statemachine.WithAction(record)),
		statemachine.WithTransition(InReview, Approved, Approve, statemachine.WithAction(failing)),
	)
	ctx := context.Background()

	if _, err := table.Fire(ctx, Draft, Submit, nil); err != nil {
		t.Fatalf("Failed to fire Submit: %v", err)
	}
	if len(calls) != 1 || calls[0] != "draft->in_review" {
		t.Fatalf("Unexpected action calls: %v", calls)
	}

	// Resolve never runs actions.
	if _, err := table.Resolve(ctx, InReview, Approve, nil); err != nil {
		t.Fatalf("Resolve should succeed: %v", err)
	}
	if _, err := table.Fire(ctx, InReview, Approve, nil); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Expected action failure, got %v", err)
	}
}

func TestTableConfigurationErrors(t *testing.T) {
	t.Parallel()

	_, err := statemachine.New(statemachine.WithTransition(nil, Draft, Submit))
	if !errors.Is(err, statemachine.ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}

	_, err = statemachine.New(
		statemachine.WithTerminal(Archived),
		statemachine.WithTransitions([]statemachine.TransitionDef{
			{From: Archived, To: Draft, Event: Unarchive},
		}),
	)
	if !errors.Is(err, statemachine.ErrTransitionFromTerminal) {
		t.Fatalf("Expected ErrTransitionFromTerminal, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Expected MustNew to panic")
		}
	}()
	statemachine.MustNew(statemachine.WithTransition(Draft, nil, Submit))
}

func TestTableReachable(t *testing.T) {
	t.Parallel()

	table := statemachine.MustNew(
		statemachine.WithTransition(Draft, InReview, Submit),
		statemachine.WithTransition(InReview, Approved, Approve),
		statemachine.WithTransition(InReview, Rejected, Reject),
		statemachine.WithTransition(Orphan, Draft, Submit),
	)
	got := table.Reachable(Draft)
	for _, s := range []statemachine.State{Draft, InReview, Approved, Rejected} {
		if !got[s.Name()] {
			t.Fatalf("Expected %s to be reachable", s)
		}
	}
	if got[Orphan.Name()] {
		t.Fatal("Orphan must not be reachable from draft")
	}
	if n := len(table.Events(InReview)); n != 2 {
		t.Fatalf("Expected 2 events out of in_review, got %d", n)
	}
}
