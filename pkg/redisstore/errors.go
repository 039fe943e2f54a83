package redisstore

import "errors"

var (
	ErrFailedToParseRedisConnString = errors.New("redisstore: failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redisstore: redis did not become ready within the given time period")
	ErrHealthcheckFailed            = errors.New("redisstore: redis healthcheck failed")
	ErrUnexpectedReply              = errors.New("redisstore: unexpected script reply")
)
