package dunning

import "errors"

var (
	ErrRunnerStarted   = errors.New("dunning: runner already started")
	ErrInvalidSchedule = errors.New("dunning: invalid cron schedule")
	ErrSweepInProgress = errors.New("dunning: sweep already in progress")
)
