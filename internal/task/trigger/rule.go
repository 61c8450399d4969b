package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("invalid trigger")

type Kind int

const (
	KindCron Kind = iota + 1
	KindFixedRate
	KindFixedDelay
	KindDynamicDelay
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindFixedRate:
		return "fixed_rate"
	case KindFixedDelay:
		return "fixed_delay"
	case KindDynamicDelay:
		return "dynamic_delay"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Spec is the timing half of a task definition.
type Spec struct {
	Kind         Kind
	Cron         string
	Period       time.Duration
	InitialDelay time.Duration
}

// Rule computes fire times for one instance.
type Rule interface {
	// First returns the first fire time for an instance created at now.
	First(now time.Time) time.Time
	// Sequential rules compute the next fire from the completion of the
	// previous run, so runs of one instance never overlap.
	Sequential() bool
	// Next returns the fire time after a run that was due at scheduled.
	// finished is the completion time for sequential rules and the dispatch
	// time otherwise. delay is what a DynamicDelay run reported.
	Next(scheduled, finished time.Time, delay time.Duration) time.Time
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a crontab expression or descriptor ("@hourly", "@every 5m").
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrInvalid)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalid, expr, err)
	}
	return sched, nil
}

// Validate checks a spec without building a rule.
func (s Spec) Validate() error {
	_, err := NewRule(s)
	return err
}

func NewRule(s Spec) (Rule, error) {
	if s.InitialDelay < 0 {
		return nil, fmt.Errorf("%w: initial delay must be >= 0", ErrInvalid)
	}
	switch s.Kind {
	case KindCron:
		sched, err := ParseCron(s.Cron)
		if err != nil {
			return nil, err
		}
		return cronRule{sched: sched}, nil
	case KindFixedRate:
		if s.Period <= 0 {
			return nil, fmt.Errorf("%w: fixed rate period must be > 0", ErrInvalid)
		}
		return fixedRateRule{period: s.Period, initial: s.InitialDelay}, nil
	case KindFixedDelay:
		if s.Period <= 0 {
			return nil, fmt.Errorf("%w: fixed delay period must be > 0", ErrInvalid)
		}
		return fixedDelayRule{period: s.Period, initial: s.InitialDelay}, nil
	case KindDynamicDelay:
		return dynamicDelayRule{initial: s.InitialDelay}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalid, s.Kind)
	}
}

type cronRule struct{ sched cron.Schedule }

func (r cronRule) First(now time.Time) time.Time { return r.sched.Next(now) }
func (cronRule) Sequential() bool               { return false }

// Next skips occurrences missed while the timer was late.
func (r cronRule) Next(scheduled, finished time.Time, _ time.Duration) time.Time {
	if finished.After(scheduled) {
		return r.sched.Next(finished)
	}
	return r.sched.Next(scheduled)
}

type fixedRateRule struct{ period, initial time.Duration }

func (r fixedRateRule) First(now time.Time) time.Time { return now.Add(r.initial) }
func (fixedRateRule) Sequential() bool               { return false }
func (r fixedRateRule) Next(scheduled, _ time.Time, _ time.Duration) time.Time {
	return scheduled.Add(r.period)
}

type fixedDelayRule struct{ period, initial time.Duration }

func (r fixedDelayRule) First(now time.Time) time.Time { return now.Add(r.initial) }
func (fixedDelayRule) Sequential() bool               { return true }
func (r fixedDelayRule) Next(_, finished time.Time, _ time.Duration) time.Time {
	return finished.Add(r.period)
}

type dynamicDelayRule struct{ initial time.Duration }

func (r dynamicDelayRule) First(now time.Time) time.Time { return now.Add(r.initial) }
func (dynamicDelayRule) Sequential() bool               { return true }
func (dynamicDelayRule) Next(_, finished time.Time, delay time.Duration) time.Time {
	return finished.Add(max(delay, 0))
}
