package autoopen

import (
	"time"

	"intercom-bridge/internal/models"
)

type Decision int

const (
	NotifyOnly Decision = iota
	OpenAndNotify
)

func (d Decision) String() string {
	if d == OpenAndNotify {
		return "open_and_notify"
	}
	return "notify_only"
}

// Decide reports whether a call should open the door. at is the event time in
// the zone the schedule is written in.
func Decide(ev models.CallEvent, cfg Config, at time.Time) Decision {
	if !cfg.Enabled {
		return NotifyOnly
	}
	if len(cfg.Rules) == 0 {
		return OpenAndNotify
	}
	for _, rule := range cfg.Rules {
		if rule.Matches(at) {
			return OpenAndNotify
		}
	}
	return NotifyOnly
}
