package engine

import "time"

// Timer is a one-shot timer handle owned by a game's command processor.
type Timer interface {
	Stop()
}

// NewTimerFunc schedules fn after d. Injected so tests drive countdowns,
// window closure and question advancement deterministically; a nil func
// disables automatic timers and leaves the system commands to the caller.
type NewTimerFunc func(d time.Duration, fn func()) Timer

// StdTimer backs NewTimerFunc with time.AfterFunc.
func StdTimer(d time.Duration, fn func()) Timer {
	return stdTimer{t: time.AfterFunc(d, fn)}
}

type stdTimer struct {
	t *time.Timer
}

func (s stdTimer) Stop() {
	s.t.Stop()
}
