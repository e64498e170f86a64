package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/solatis/pointsflow/internal/types"
)

// Schedule gates a cron-topic rule to particular minutes.
//
//	{"kind":"daily","hour":9,"minute":30,"utcOffsetMinutes":120,"windowMinutes":5}
//	{"kind":"cron","expr":"0 9 * * 1-5","utcOffsetMinutes":-300}
type Schedule struct {
	Kind             string `json:"kind"`
	Hour             int    `json:"hour"`
	Minute           int    `json:"minute"`
	UTCOffsetMinutes int    `json:"utcOffsetMinutes"`
	WindowMinutes    int    `json:"windowMinutes"`
	Expr             string `json:"expr"`

	cron cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule decodes a rule schedule. Empty input, null and {} mean the
// rule is unscheduled and nil is returned.
func ParseSchedule(raw json.RawMessage) (*Schedule, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}

	var s Schedule
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSchedule, err)
	}
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	if s.Kind == "" && s.Expr != "" {
		s.Kind = "cron"
	}
	if s.UTCOffsetMinutes < -14*60 || s.UTCOffsetMinutes > 14*60 {
		return nil, fmt.Errorf("%w: utcOffsetMinutes %d out of range", types.ErrInvalidSchedule, s.UTCOffsetMinutes)
	}

	switch s.Kind {
	case "daily":
		if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
			return nil, fmt.Errorf("%w: daily at %02d:%02d", types.ErrInvalidSchedule, s.Hour, s.Minute)
		}
		if s.WindowMinutes <= 0 {
			s.WindowMinutes = 1
		}
		if s.WindowMinutes > 24*60 {
			s.WindowMinutes = 24 * 60
		}
	case "cron":
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidSchedule, err)
		}
		s.cron = sched
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", types.ErrInvalidSchedule, s.Kind)
	}
	return &s, nil
}

// Due reports whether the rule fires for an event occurring at t.
func (s *Schedule) Due(t time.Time) bool {
	if s == nil {
		return true
	}
	zone := time.FixedZone("", s.UTCOffsetMinutes*60)
	local := t.In(zone).Truncate(time.Minute)

	switch s.Kind {
	case "daily":
		const day = 24 * 60
		now := local.Hour()*60 + local.Minute()
		at := s.Hour*60 + s.Minute
		return ((now-at)%day+day)%day < s.WindowMinutes
	case "cron":
		return s.cron.Next(local.Add(-time.Second)).Equal(local)
	}
	return false
}
