// Package recurrence computes the next occurrence of recurring scheduled posts.
package recurrence

import (
	"time"

	"post_scheduler/internal/model"
)

// Scheduler computes next occurrences in a fixed location, so that the
// time of day of a post is preserved in local calendar terms.
type Scheduler struct {
	loc *time.Location
}

// New creates a Scheduler for the given location. A nil location means UTC.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc}
}

// NextOccurrence returns the next scheduled instant of a recurring post,
// keeping the hour and minute of its previous ScheduledAt. It reports false
// when the post has no valid next occurrence.
func (s *Scheduler) NextOccurrence(post model.ScheduledPost, now time.Time) (time.Time, bool) {
	if !post.IsRecurring {
		return time.Time{}, false
	}

	prev := post.ScheduledAt.In(s.loc)
	switch post.RecurringType {
	case model.RecurDaily:
		return s.at(prev, prev.AddDate(0, 0, 1)), true
	case model.RecurWeekly:
		days := daySet(post.RecurringDays, 0, 6)
		if len(days) == 0 {
			return time.Time{}, false
		}
		return s.scan(prev, now, 14, func(d time.Time) bool { return days[int(d.Weekday())] })
	case model.RecurMonthly:
		days := daySet(post.RecurringDays, 1, 31)
		if len(days) == 0 {
			return time.Time{}, false
		}
		return s.scan(prev, now, 400, func(d time.Time) bool { return days[d.Day()] })
	}
	return time.Time{}, false
}

// scan walks calendar days starting the day after prev (or today, if later)
// and returns the first matching day whose occurrence is not before now.
func (s *Scheduler) scan(prev, now time.Time, limit int, match func(time.Time) bool) (time.Time, bool) {
	start := dateOf(prev.AddDate(0, 0, 1), s.loc)
	if today := dateOf(now.In(s.loc), s.loc); today.After(start) {
		start = today
	}

	for i := 0; i < limit; i++ {
		d := start.AddDate(0, 0, i)
		if !match(d) {
			continue
		}
		if next := s.at(prev, d); !next.Before(now) {
			return next, true
		}
	}
	return time.Time{}, false
}

// at places the time of day of prev on the calendar date of day.
func (s *Scheduler) at(prev, day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), prev.Hour(), prev.Minute(), 0, 0, s.loc)
}

// dateOf returns noon of t's calendar day, which is safe to step with AddDate
// across DST changes.
func dateOf(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, loc)
}

// daySet keeps the days within [lo, hi]; out-of-range values are ignored.
func daySet(days []int, lo, hi int) map[int]bool {
	set := make(map[int]bool, len(days))
	for _, d := range days {
		if d >= lo && d <= hi {
			set[d] = true
		}
	}
	return set
}
