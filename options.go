package hio

import "fmt"

// Feature is the bitmask selecting which optional subsystems a Host runs,
// spec.md §3 "features" field.
type Feature uint32

const (
	FeatureMultiplexer Feature = 1 << iota
	FeatureLog
	FeatureLogGuarded // serialize the log writer with a mutex (§5 "Shared resources")
)

// StopReason is sampled by the loop at iteration boundaries (spec.md §3,
// §5 "Stop semantics").
type StopReason int

const (
	StopNone StopReason = iota
	StopTermination
	StopWatcherError
)

// OptionID names a runtime-settable option (spec.md §6 setoption/getoption).
type OptionID int

const (
	OptLogMask OptionID = iota
	OptLogTarget
	OptTimerCapacity
	OptZombieRetryInterval
)

// Option configures a Host at Open time. Using a functional-options slice
// here (rather than a single config struct) mirrors how the rest of this
// package threads small, composable option sets through bind/connect
// (spec.md §6's per-call option bitmasks), and is the shape the wider
// retrieval pack reaches for when wiring up long-lived services.
type Option func(*hostConfig) error

type hostConfig struct {
	features      Feature
	timerCapacity int
	zombieRetry   NTime
	bigBufSize    int
	logTarget     string
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		features:      FeatureMultiplexer | FeatureLog,
		timerCapacity: 128,
		zombieRetry:   NTime{Sec: 3},
		bigBufSize:    64 * 1024,
	}
}

// WithFeatures overrides the default feature bitmask.
func WithFeatures(f Feature) Option {
	return func(c *hostConfig) error { c.features = f; return nil }
}

// WithTimerCapacity pre-sizes the timer wheel's backing slot table.
func WithTimerCapacity(n int) Option {
	return func(c *hostConfig) error {
		if n <= 0 {
			return fmt.Errorf("hio: timer capacity must be positive, got %d", n)
		}
		c.timerCapacity = n
		return nil
	}
}

// WithZombieRetryInterval overrides the default 3s zombie-kill retry period.
func WithZombieRetryInterval(d NTime) Option {
	return func(c *hostConfig) error { c.zombieRetry = d; return nil }
}

// WithBigBufSize overrides the per-iteration scratch read buffer size
// (spec.md §3 "bigbuf", minimum 64KiB per spec).
func WithBigBufSize(n int) Option {
	return func(c *hostConfig) error {
		if n < 64*1024 {
			return fmt.Errorf("hio: bigbuf must be >= 64KiB, got %d", n)
		}
		c.bigBufSize = n
		return nil
	}
}

// WithLogTarget sets the initial log-writer target path.
func WithLogTarget(path string) Option {
	return func(c *hostConfig) error { c.logTarget = path; return nil }
}

// SetOption applies a runtime-settable option, spec.md §6 setoption().
func (h *Host) SetOption(id OptionID, value any) error {
	switch id {
	case OptLogMask:
		mask, ok := value.(LogMask)
		if !ok {
			return NewError(ErrInval, "OptLogMask wants a LogMask")
		}
		h.log.SetMask(mask)
		return nil
	case OptLogTarget:
		path, ok := value.(string)
		if !ok {
			return NewError(ErrInval, "OptLogTarget wants a string")
		}
		if err := h.log.SetTarget(path); err != nil {
			return err
		}
		h.cfg.logTarget = path
		return nil
	case OptTimerCapacity:
		return NewError(ErrNoImpl, "timer capacity is fixed after Open")
	case OptZombieRetryInterval:
		d, ok := value.(NTime)
		if !ok {
			return NewError(ErrInval, "OptZombieRetryInterval wants an NTime")
		}
		h.cfg.zombieRetry = d
		return nil
	}
	return NewError(ErrInval, "unknown option id")
}

// GetOption reads back OptLogTarget, OptTimerCapacity or
// OptZombieRetryInterval, spec.md §6 getoption(). OptLogMask is not
// readable and reports ErrInval like an unknown id.
func (h *Host) GetOption(id OptionID) (any, error) {
	switch id {
	case OptLogTarget:
		return h.cfg.logTarget, nil
	case OptTimerCapacity:
		return h.cfg.timerCapacity, nil
	case OptZombieRetryInterval:
		return h.cfg.zombieRetry, nil
	}
	return nil, NewError(ErrInval, "unknown option id")
}
