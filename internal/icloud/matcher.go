package icloud

import (
	"strings"
	"time"
)

// Resource is a calendar object as seen by a BestEffortMatcher.
type Resource struct {
	Path        string
	UID         string
	Summary     string
	Description string
	Start       time.Time // wall clock as stored
}

// BestEffortMatcher picks the resources a delete should remove. A matcher
// may fail to recognise the right resource; it must never accept a resource
// belonging to a different appointment. DeleteEvent only deletes when exactly
// one resource matches.
type BestEffortMatcher interface {
	Match(r Resource) bool
}

// SummaryMatcher matches resources created for one booking: the summary must
// equal Title, or contain CustomerName, and when Date (YYYY-MM-DD) is set the
// resource must start on that day.
type SummaryMatcher struct {
	Title        string
	CustomerName string
	Date         string
}

func (m SummaryMatcher) Match(r Resource) bool {
	if m.Date != "" && (r.Start.IsZero() || r.Start.Format("2006-01-02") != m.Date) {
		return false
	}

	summary := strings.ToLower(strings.TrimSpace(r.Summary))
	if summary == "" {
		return false
	}
	if title := strings.ToLower(strings.TrimSpace(m.Title)); title != "" && summary == title {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(m.CustomerName))
	return name != "" && strings.Contains(summary, name)
}

// UIDMatcher matches the resource with a known UID.
type UIDMatcher string

func (m UIDMatcher) Match(r Resource) bool {
	return m != "" && r.UID == string(m)
}
