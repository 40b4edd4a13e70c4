package icloud

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummaryMatcher(t *testing.T) {
	day := time.Date(2025, 10, 15, 13, 0, 0, 0, time.UTC)
	m := SummaryMatcher{Title: "Réservation: Jane Doe", CustomerName: "Jane Doe", Date: "2025-10-15"}

	tests := []struct {
		name string
		r    Resource
		want bool
	}{
		{"exact title", Resource{Summary: "Réservation: Jane Doe", Start: day}, true},
		{"title case and space", Resource{Summary: "  réservation: jane doe ", Start: day}, true},
		{"customer substring", Resource{Summary: "Booking: Jane Doe + 3", Start: day}, true},
		{"other customer", Resource{Summary: "Réservation: John Smith", Start: day}, false},
		{"other day", Resource{Summary: "Réservation: Jane Doe", Start: day.AddDate(0, 0, 1)}, false},
		{"no start", Resource{Summary: "Réservation: Jane Doe"}, false},
		{"empty summary", Resource{Start: day}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.r))
		})
	}
}

func TestSummaryMatcher_NoDateNoName(t *testing.T) {
	m := SummaryMatcher{Title: "Réservation: Jane Doe"}
	assert.True(t, m.Match(Resource{Summary: "Réservation: Jane Doe"}))
	assert.False(t, m.Match(Resource{Summary: "Réservation: Jane Doe and friends"}))
}

func TestUIDMatcher(t *testing.T) {
	assert.True(t, UIDMatcher("abc").Match(Resource{UID: "abc"}))
	assert.False(t, UIDMatcher("abc").Match(Resource{UID: "abd"}))
	assert.False(t, UIDMatcher("").Match(Resource{}))
}
