// Package dunning runs the periodic side of subscription billing.
//
// A Sweeper executes one sweep as of an explicit instant, phase by phase:
//
//   - scheduled cancellations whose period has ended
//   - renewals of active subscriptions whose period has ended
//   - conversion of trials that have ended
//   - payment retries for past_due subscriptions on the retry schedule
//   - grace expiry, moving past_due subscriptions to unpaid or canceled
//   - trial_ending notices, sent once per trial
//   - expiry of incomplete subscriptions whose first payment never succeeded
//
// Each phase selects work with the subscription finders and applies it
// with bounded concurrency. Operations re-check their preconditions under
// the subscription's optimistic lock, so any number of instances can sweep
// at the same time: a lost race is counted as skipped, never applied twice.
//
// A Runner drives sweeps from a cron schedule:
//
//	sweeper := dunning.NewSweeper(subscriptions, dunning.WithMetrics(collectors))
//	runner, err := dunning.NewRunner(sweeper, "@every 1m")
//	if err != nil {
//	    return err
//	}
//	g.Go(func() error { return runner.Start(ctx) })
package dunning
