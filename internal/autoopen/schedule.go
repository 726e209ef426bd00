package autoopen

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is an offset from midnight with second precision.
type TimeOfDay int

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
}

func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

func (t TimeOfDay) String() string {
	h, m, s := int(t)/3600, int(t)%3600/60, int(t)%60
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday,
}

func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid day of week %q", s)
	}
	return d, nil
}

// Rule matches calls on one of Days between Start and End inclusive.
//
// A rule with Start after End spans midnight: it matches from Start to the end
// of the day and from midnight to End. Both halves are checked against the
// weekday of the call itself, so a Friday 22:00-02:00 rule matches Friday
// 23:30 and Friday 01:00 but not Saturday 01:00.
type Rule struct {
	Days  map[time.Weekday]bool
	Start TimeOfDay
	End   TimeOfDay
}

// Matches reports whether at falls inside the rule, using the weekday and time
// of day of at in its own location.
func (r Rule) Matches(at time.Time) bool {
	if !r.Days[at.Weekday()] {
		return false
	}
	tod := TimeOfDayOf(at)
	if r.Start <= r.End {
		return tod >= r.Start && tod <= r.End
	}
	return tod >= r.Start || tod <= r.End
}

// Config is the compiled auto-open setting for one device.
type Config struct {
	Enabled bool
	Rules   []Rule
}

// Schedule is the stored form of a Rule.
type Schedule struct {
	Days      []string `mapstructure:"days" yaml:"days" json:"days"`
	TimeStart string   `mapstructure:"time_start" yaml:"time_start" json:"time_start"`
	TimeEnd   string   `mapstructure:"time_end" yaml:"time_end" json:"time_end"`
}

func (s Schedule) Compile() (Rule, error) {
	if len(s.Days) == 0 {
		return Rule{}, fmt.Errorf("schedule without days")
	}
	r := Rule{Days: make(map[time.Weekday]bool, len(s.Days))}
	for _, name := range s.Days {
		d, err := ParseWeekday(name)
		if err != nil {
			return Rule{}, err
		}
		r.Days[d] = true
	}
	var err error
	if r.Start, err = ParseTimeOfDay(s.TimeStart); err != nil {
		return Rule{}, err
	}
	if r.End, err = ParseTimeOfDay(s.TimeEnd); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Setting is the stored auto-open configuration of a single device.
type Setting struct {
	Enabled   bool       `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Schedules []Schedule `mapstructure:"schedules" yaml:"schedules,omitempty" json:"schedules"`
}

func (s Setting) Compile() (Config, error) {
	cfg := Config{Enabled: s.Enabled}
	for i, sched := range s.Schedules {
		rule, err := sched.Compile()
		if err != nil {
			return Config{}, fmt.Errorf("schedule %d: %w", i+1, err)
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	return cfg, nil
}

// Document is the auto-open configuration: a default setting plus per-device
// overrides keyed by device identifier.
type Document struct {
	Setting `mapstructure:",squash" yaml:",inline"`
	Devices map[string]Setting `mapstructure:"devices" yaml:"devices,omitempty" json:"devices,omitempty"`
}

func (d Document) Validate() error {
	if _, err := d.Setting.Compile(); err != nil {
		return err
	}
	for id, s := range d.Devices {
		if _, err := s.Compile(); err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}
	}
	return nil
}
