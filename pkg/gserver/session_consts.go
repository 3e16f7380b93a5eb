package gserver

import (
	"errors"
	"time"
)

const (
	DefaultSessionCapacity = 32
	DefaultReorderBuffer   = 5
	DefaultSessionTTL      = 60 * time.Second
	// DefaultCompletedLinger covers a default sender's full retry horizon
	// (retry_after 2s over 6 attempts) with some slack.
	DefaultCompletedLinger = 15 * time.Second
	defaultReadTick        = 200 * time.Millisecond
)

var (
	ErrTableFull       = errors.New("session table full")
	ErrPathEscapesRoot = errors.New("destination escapes root directory")
)
