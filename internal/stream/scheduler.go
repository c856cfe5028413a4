package stream

import "time"

// Timer is a cancellable pending task
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d without blocking the caller
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
