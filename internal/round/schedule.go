package round

import (
	"fmt"
	"time"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour, Minute, Second int
}

// ParseClock accepts "15:04" or "15:04:05".
func ParseClock(s string) (Clock, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return Clock{}, fmt.Errorf("invalid time of day %q", s)
}

// On returns this clock time on day's date in loc.
func (c Clock) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, c.Hour, c.Minute, c.Second, 0, loc)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// Schedule places a round's timestamps on the wall clock of one timezone.
type Schedule struct {
	Location *time.Location
	// Open is when the scheduler opens the day's round.
	Open Clock
	// Lock is the last instant bets are refused from.
	Lock Clock
	// Close is the market close; settlement starts CloseFetchDelay later.
	Close           Clock
	CloseFetchDelay time.Duration
	// Grace bounds oracle retries, measured from lock_ts.
	Grace time.Duration
}

// DefaultSchedule is the US equity session: open 09:30, lock 15:59:59,
// close 16:00, first fetch five minutes after close, 30 minutes of grace.
func DefaultSchedule(loc *time.Location) Schedule {
	return Schedule{
		Location:        loc,
		Open:            Clock{Hour: 9, Minute: 30},
		Lock:            Clock{Hour: 15, Minute: 59, Second: 59},
		Close:           Clock{Hour: 16},
		CloseFetchDelay: 5 * time.Minute,
		Grace:           30 * time.Minute,
	}
}

// Times returns the scheduled open, lock and settle instants for day.
func (s Schedule) Times(day time.Time) (open, lock, settle time.Time) {
	open = s.Open.On(day, s.Location)
	lock = s.Lock.On(day, s.Location)
	settle = s.Close.On(day, s.Location).Add(s.CloseFetchDelay)
	return open, lock, settle
}

// GraceDeadline is the absolute time after which resolution forces VOID.
func (s Schedule) GraceDeadline(lockTs time.Time) time.Time {
	return lockTs.Add(s.Grace)
}

// IsTradingDay reports whether day is a weekday.
func IsTradingDay(day time.Time) bool {
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// PreviousTradingDay returns the closest weekday strictly before day.
func PreviousTradingDay(day time.Time) time.Time {
	prev := day.AddDate(0, 0, -1)
	for !IsTradingDay(prev) {
		prev = prev.AddDate(0, 0, -1)
	}
	return prev
}
