package swmm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options is the simulation window of a model
type Options struct {
	Start      time.Time
	End        time.Time
	ReportStep time.Duration
}

// dateLayouts are tried in order; the first one that reads both window
// dates as a forward window wins. Day first comes first, so 01/02 is the
// first of February.
var dateLayouts = []string{"02/01/2006", "01/02/2006"}

// parseWindow parses START and END with one shared date layout, so the two
// ends of the window can never be read in different orders.
func parseWindow(startDate, startClock, endDate, endClock string) (time.Time, time.Time, error) {
	sc, err := parseClock(startClock)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start: %w", err)
	}
	ec, err := parseClock(endClock)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end: %w", err)
	}

	var lastErr error
	for _, layout := range dateLayouts {
		sd, err := time.Parse(layout, startDate)
		if err != nil {
			lastErr = fmt.Errorf("start: invalid date %q: %w", startDate, err)
			continue
		}
		ed, err := time.Parse(layout, endDate)
		if err != nil {
			lastErr = fmt.Errorf("end: invalid date %q: %w", endDate, err)
			continue
		}
		start, end := sd.Add(sc), ed.Add(ec)
		if !end.After(start) {
			lastErr = fmt.Errorf("end %s is not after start %s", end, start)
			continue
		}
		return start, end, nil
	}
	return time.Time{}, time.Time{}, lastErr
}

// parseClock parses HH:MM[:SS]. Hours may exceed 23, as in REPORT_STEP.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		d += time.Duration(v) * units[i]
	}
	return d, nil
}

// Options reads START_DATE, START_TIME, END_DATE, END_TIME and REPORT_STEP
func (m *Model) Options() (Options, error) {
	get := func(name string) (string, error) {
		v, ok := m.Option(name)
		if !ok {
			return "", fmt.Errorf("option %s not set", name)
		}
		return v, nil
	}

	var vals [5]string
	for i, name := range []string{"START_DATE", "START_TIME", "END_DATE", "END_TIME", "REPORT_STEP"} {
		v, err := get(name)
		if err != nil {
			return Options{}, err
		}
		vals[i] = v
	}

	start, end, err := parseWindow(vals[0], vals[1], vals[2], vals[3])
	if err != nil {
		return Options{}, err
	}
	step, err := parseClock(vals[4])
	if err != nil {
		return Options{}, fmt.Errorf("report step: %w", err)
	}
	if step < time.Minute {
		return Options{}, fmt.Errorf("report step %s is below one minute", step)
	}

	return Options{Start: start, End: end, ReportStep: step}, nil
}

// Duration is the length of the simulation window
func (o Options) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// ReportStepMinutes is the reporting interval in whole minutes
func (o Options) ReportStepMinutes() int {
	return int(o.ReportStep / time.Minute)
}

// Steps is the number of reporting periods in the window
func (o Options) Steps() int {
	if o.ReportStep <= 0 {
		return 0
	}
	return int(o.Duration() / o.ReportStep)
}
