// Package retry implements the reconnect scheduling state machine used by
// the workload sources. Timer arming is injectable so the machine can be
// driven in tests without real clocks.
package retry

import (
	"sync"
	"time"
)

const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// BackoffFunc computes the next delay from the current one. The result is
// clamped to the scheduler's max delay.
type BackoffFunc func(current time.Duration) time.Duration

// AfterFunc arms a timer; the returned timer must support Stop.
type AfterFunc func(d time.Duration, task func()) *time.Timer

// Config configures a Scheduler. Zero fields fall back to the defaults:
// 1s initial delay, 60s cap, doubling backoff, unlimited retries.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	Backoff      BackoffFunc
	After        AfterFunc
}

// Scheduler tracks reconnect backoff state and arms delayed retry tasks.
// Delays grow per the backoff function, never shrink between resets, and
// never exceed the max delay. Once MaxRetries attempts have been scheduled,
// further tasks are dropped and the caller must treat the owner as failed.
type Scheduler struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
	backoff      BackoffFunc
	after        AfterFunc

	mu         sync.Mutex
	nextDelay  time.Duration
	retryCount int
	timer      *time.Timer
}

// NewScheduler builds a scheduler from the config.
func NewScheduler(config Config) *Scheduler {
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultInitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	if config.Backoff == nil {
		config.Backoff = func(current time.Duration) time.Duration {
			return current * 2
		}
	}
	if config.After == nil {
		config.After = time.AfterFunc
	}
	return &Scheduler{
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		maxRetries:   config.MaxRetries,
		backoff:      config.Backoff,
		after:        config.After,
		nextDelay:    config.InitialDelay,
	}
}

// ScheduleRetry arms task to run after the current delay and advances the
// backoff state. It returns false, dropping the task, once the retry budget
// is exhausted.
func (s *Scheduler) ScheduleRetry(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxRetries > 0 && s.retryCount >= s.maxRetries {
		return false
	}

	s.timer = s.after(s.nextDelay, task)
	s.retryCount++

	next := s.backoff(s.nextDelay)
	if next > s.maxDelay {
		next = s.maxDelay
	}
	s.nextDelay = next
	return true
}

// Reset restores the initial backoff state. Called once per successful
// reconnect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDelay = s.initialDelay
	s.retryCount = 0
}

// Stop cancels the armed timer, if any. A task that already fired is not
// interrupted; fired tasks are expected to check their owner's closed flag.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// NextDelay returns the delay the next scheduled retry would use.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDelay
}

// RetryCount returns the number of retries scheduled since the last reset.
func (s *Scheduler) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}
