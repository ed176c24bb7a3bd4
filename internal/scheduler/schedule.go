package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/schema"
)

// NextFire returns the next fire time of sched. last is the previous fire
// (nil before the first one) and anchor is when the schedule was first
// seen. ok is false when the schedule will never fire again.
func NextFire(sched schema.Schedule, anchor time.Time, last *time.Time, loc *time.Location) (next time.Time, ok bool, err error) {
	base := anchor
	if last != nil {
		base = *last
	}
	switch sched.Kind {
	case schema.ScheduleKindAt:
		if last != nil || sched.At == nil {
			return time.Time{}, false, nil
		}
		return sched.At.UTC(), true, nil
	case schema.ScheduleKindEvery:
		if sched.IntervalMs <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule needs a positive interval, got %d ms", sched.IntervalMs)
		}
		return base.Add(sched.Interval()).UTC(), true, nil
	case schema.ScheduleKindCron:
		cs, err := parseCron(sched.Expression)
		if err != nil {
			return time.Time{}, false, err
		}
		return cs.Next(base.In(loc)).UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", sched.Kind)
}

// AfterFire returns the next fire time once sched fired at now. Missed
// windows collapse: the next fire is always in the future of now.
func AfterFire(sched schema.Schedule, now time.Time, loc *time.Location) (time.Time, bool, error) {
	if sched.Kind == schema.ScheduleKindAt {
		return time.Time{}, false, nil
	}
	return NextFire(sched, now, nil, loc)
}

// ExpectedInterval returns the spacing between fires around from. One-shot
// schedules have no interval.
func ExpectedInterval(sched schema.Schedule, from time.Time, loc *time.Location) time.Duration {
	switch sched.Kind {
	case schema.ScheduleKindEvery:
		return sched.Interval()
	case schema.ScheduleKindCron:
		cs, err := parseCron(sched.Expression)
		if err != nil {
			return 0
		}
		first := cs.Next(from.In(loc))
		return cs.Next(first).Sub(first)
	}
	return 0
}

func parseCron(expr string) (cron.Schedule, error) {
	cs, err := validation.CronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return cs, nil
}
