package timeutils

import (
	"fmt"
	"strconv"
	"strings"
)

// ClockTime represents a time of day, without a date, e.g. the start of a charging slot.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// ParseClockTime parses "HH:MM" or "HH:MM:SS".
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ClockTime{}, fmt.Errorf("parse clock time %q: want HH:MM or HH:MM:SS", s)
	}

	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return ClockTime{}, fmt.Errorf("parse clock time %q: %w", s, err)
		}
		vals[i] = v
	}

	c := ClockTime{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if err := c.Validate(); err != nil {
		return ClockTime{}, err
	}
	return c, nil
}

// Validate returns an error if any field is out of range.
func (c ClockTime) Validate() error {
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("hour %d out of range", c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("minute %d out of range", c.Minute)
	}
	if c.Second < 0 || c.Second > 59 {
		return fmt.Errorf("second %d out of range", c.Second)
	}
	return nil
}

func (c ClockTime) String() string {
	if c.Second == 0 {
		return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
	}
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// HourMinute returns the hour and minute as the pair of register values inverters store times of day in.
func (c ClockTime) HourMinute() []uint16 {
	return []uint16{uint16(c.Hour), uint16(c.Minute)}
}
