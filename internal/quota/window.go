package quota

import "time"

// Window maps an instant to the bounds of the quota window containing it.
type Window interface {
	Bounds(now time.Time) (start, end time.Time)
	Name() string
}

type fixedWindow struct {
	size time.Duration
	name string
}

// Fixed returns windows of size aligned to the Unix epoch.
func Fixed(size time.Duration, name string) Window {
	return fixedWindow{size: size, name: name}
}

func Hourly() Window {
	return fixedWindow{size: time.Hour, name: "hour"}
}

func (w fixedWindow) Bounds(now time.Time) (time.Time, time.Time) {
	start := now.UTC().Truncate(w.size)
	return start, start.Add(w.size)
}

func (w fixedWindow) Name() string {
	return w.name
}

type monthWindow struct{}

// Monthly returns UTC calendar-month windows.
func Monthly() Window {
	return monthWindow{}
}

func (monthWindow) Bounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func (monthWindow) Name() string {
	return "month"
}
