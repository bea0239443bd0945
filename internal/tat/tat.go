// Package tat computes turn-around-time due dates with office-hours aware calendar arithmetic.
package tat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Kind selects the calendar arithmetic applied to a TAT amount.
type Kind string

const (
	KindHour    Kind = "hourtat"
	KindDay     Kind = "daytat"
	KindBefore  Kind = "beforetat"
	KindSpecify Kind = "specifytat"
)

// Kinds lists every recognised kind in display order.
var Kinds = []Kind{KindHour, KindDay, KindBefore, KindSpecify}

var ErrNegativeAmount = errors.New("tat amount must not be negative")

// ParseKind is case-insensitive. Unrecognised values fall back to KindHour.
func ParseKind(s string) Kind {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindHour, KindDay, KindBefore, KindSpecify:
		return k
	default:
		return KindHour
	}
}

// Config describes the working calendar of an organization.
type Config struct {
	OfficeStartHour int    `yaml:"office_start_hour" json:"office_start_hour"`
	OfficeEndHour   int    `yaml:"office_end_hour" json:"office_end_hour"`
	Timezone        string `yaml:"timezone" json:"timezone"`
	SkipWeekends    bool   `yaml:"skip_weekends" json:"skip_weekends"`
}

func DefaultConfig() Config {
	return Config{
		OfficeStartHour: 9,
		OfficeEndHour:   18,
		Timezone:        "UTC",
		SkipWeekends:    true,
	}
}

// Validate rejects calendars that cannot produce a positive working window.
func (c Config) Validate() error {
	if c.OfficeStartHour < 0 || c.OfficeStartHour > 23 {
		return fmt.Errorf("invalid tat config: office_start_hour %d must be within 0-23", c.OfficeStartHour)
	}
	if c.OfficeEndHour < 0 || c.OfficeEndHour > 23 {
		return fmt.Errorf("invalid tat config: office_end_hour %d must be within 0-23", c.OfficeEndHour)
	}
	if c.OfficeStartHour >= c.OfficeEndHour {
		return fmt.Errorf("invalid tat config: office_start_hour %d must be before office_end_hour %d", c.OfficeStartHour, c.OfficeEndHour)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid tat config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves Timezone; empty means UTC.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Calculator is immutable once built and safe for concurrent use.
type Calculator struct {
	cfg Config
	loc *time.Location
}

func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg, loc: loc}, nil
}

func (c *Calculator) Config() Config { return c.cfg }

// Calculate dispatches on kind. A zero amount returns ts unchanged in every mode.
func (c *Calculator) Calculate(ts time.Time, amount int, kind Kind) (time.Time, error) {
	switch kind {
	case KindDay:
		return c.DayDuration(ts, amount)
	case KindBefore:
		return c.BeforeDuration(ts, amount)
	case KindSpecify:
		return c.SpecifyDuration(ts, amount)
	default:
		return c.HourDuration(ts, amount)
	}
}

// Calculate builds a calculator for cfg (DefaultConfig when nil) and applies tatType.
func Calculate(ts time.Time, amount int, tatType string, cfg *Config) (time.Time, error) {
	conf := DefaultConfig()
	if cfg != nil {
		conf = *cfg
	}
	calc, err := New(conf)
	if err != nil {
		return time.Time{}, err
	}
	return calc.Calculate(ts, amount, ParseKind(tatType))
}

// HourDuration counts only hours inside office windows. Time outside a window is skipped.
func (c *Calculator) HourDuration(start time.Time, hours int) (time.Time, error) {
	if hours < 0 {
		return time.Time{}, ErrNegativeAmount
	}
	if hours == 0 {
		return start, nil
	}
	remaining := time.Duration(hours) * time.Hour
	t := c.NextWorkingTime(start).In(c.loc)
	for {
		_, end := c.window(t)
		avail := end.Sub(t)
		if remaining <= avail {
			return t.Add(remaining), nil
		}
		remaining -= avail
		t = c.nextWindowStart(t)
	}
}

// SpecifyDuration is HourDuration under a separate rule-authoring name.
func (c *Calculator) SpecifyDuration(start time.Time, hours int) (time.Time, error) {
	return c.HourDuration(start, hours)
}

// DayDuration moves forward by working days and keeps the time of day.
func (c *Calculator) DayDuration(start time.Time, days int) (time.Time, error) {
	return c.shiftDays(start, days, 1)
}

// BeforeDuration moves backward by working days and keeps the time of day.
func (c *Calculator) BeforeDuration(start time.Time, days int) (time.Time, error) {
	return c.shiftDays(start, days, -1)
}

func (c *Calculator) shiftDays(start time.Time, days, dir int) (time.Time, error) {
	if days < 0 {
		return time.Time{}, ErrNegativeAmount
	}
	if days == 0 {
		return start, nil
	}
	t := start.In(c.loc)
	for n := 0; n < days; {
		t = t.AddDate(0, 0, dir)
		if c.skipped(t) {
			continue
		}
		n++
	}
	return t, nil
}

func (c *Calculator) IsWorkingTime(ts time.Time) bool {
	t := ts.In(c.loc)
	if c.skipped(t) {
		return false
	}
	start, end := c.window(t)
	return !t.Before(start) && t.Before(end)
}

// NextWorkingTime returns the earliest working instant at or after ts.
func (c *Calculator) NextWorkingTime(ts time.Time) time.Time {
	if c.IsWorkingTime(ts) {
		return ts
	}
	t := ts.In(c.loc)
	start, _ := c.window(t)
	if t.Before(start) && !c.skipped(t) {
		return start
	}
	return c.nextWindowStart(t)
}

func (c *Calculator) skipped(t time.Time) bool {
	if !c.cfg.SkipWeekends {
		return false
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (c *Calculator) window(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	return time.Date(y, m, d, c.cfg.OfficeStartHour, 0, 0, 0, c.loc),
		time.Date(y, m, d, c.cfg.OfficeEndHour, 0, 0, 0, c.loc)
}

// nextWindowStart is the office opening of the first non-skipped day after t's day.
func (c *Calculator) nextWindowStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d+1, c.cfg.OfficeStartHour, 0, 0, 0, c.loc)
	for c.skipped(day) {
		day = time.Date(day.Year(), day.Month(), day.Day()+1, c.cfg.OfficeStartHour, 0, 0, 0, c.loc)
	}
	return day
}
