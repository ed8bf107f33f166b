package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mail2cal/internal/model"
)

// Calendar is one target calendar.
type Calendar struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// RoutingRule sends matching senders to a subset of the calendars. The
// sender's address (or the whole sender string when no address is present)
// is matched by substring, case-insensitive.
type RoutingRule struct {
	SenderContains string   `yaml:"sender_contains"`
	Calendars      []string `yaml:"calendars"`
}

// Calendars is the calendar topology: targets, sender routing and subjects
// to skip outright.
type Calendars struct {
	Calendars       []Calendar    `yaml:"calendars"`
	Routing         []RoutingRule `yaml:"routing"`
	IgnoredSubjects []string      `yaml:"ignored_subjects"`
}

// LoadCalendars parses the YAML calendar config at path.
func LoadCalendars(path string) (*Calendars, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading calendar config %s: %w", path, err)
	}
	var c Calendars
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing calendar config %s: %w", path, err)
	}
	if len(c.Calendars) == 0 {
		return nil, fmt.Errorf("calendar config %s lists no calendars", path)
	}
	for _, rule := range c.Routing {
		for _, id := range rule.Calendars {
			if !c.hasCalendar(id) {
				return nil, fmt.Errorf("routing rule %q names unknown calendar %q", rule.SenderContains, id)
			}
		}
	}
	return &c, nil
}

func (c *Calendars) hasCalendar(id string) bool {
	for _, cal := range c.Calendars {
		if cal.ID == id {
			return true
		}
	}
	return false
}

// IDs returns every configured calendar id, in file order.
func (c *Calendars) IDs() []string {
	ids := make([]string, len(c.Calendars))
	for i, cal := range c.Calendars {
		ids[i] = cal.ID
	}
	return ids
}

// TargetsFor picks the calendars for a sender: the first matching routing
// rule wins; no match means every calendar.
func (c *Calendars) TargetsFor(sender string) []string {
	match := model.EmailAddress(sender)
	if match == "" {
		match = strings.ToLower(sender)
	}
	for _, rule := range c.Routing {
		if rule.SenderContains != "" && strings.Contains(match, strings.ToLower(rule.SenderContains)) {
			return rule.Calendars
		}
	}
	return c.IDs()
}

// IgnoresSubject reports whether a subject is configured to be skipped,
// matched by case-insensitive substring.
func (c *Calendars) IgnoresSubject(subject string) bool {
	s := strings.ToLower(subject)
	for _, ignored := range c.IgnoredSubjects {
		if ignored != "" && strings.Contains(s, strings.ToLower(ignored)) {
			return true
		}
	}
	return false
}
