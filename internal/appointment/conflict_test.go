package appointment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

func TestFindConflicts(t *testing.T) {
	provider := uuid.New()
	other := uuid.New()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	existing := []Appointment{
		{ID: uuid.New(), ProviderID: provider, Start: base, DurationMinutes: 30, Status: StatusScheduled},
		{ID: uuid.New(), ProviderID: provider, Start: base.Add(time.Hour), DurationMinutes: 30, Status: StatusCancelled},
		{ID: uuid.New(), ProviderID: other, Start: base, DurationMinutes: 60, Status: StatusScheduled},
	}

	tests := []struct {
		name      string
		candidate slotgrid.Interval
		want      int
	}{
		{"back to back after", slotgrid.Interval{Start: base.Add(30 * time.Minute), Minutes: 30}, 0},
		{"back to back before", slotgrid.Interval{Start: base.Add(-30 * time.Minute), Minutes: 30}, 0},
		{"partial overlap", slotgrid.Interval{Start: base.Add(15 * time.Minute), Minutes: 30}, 1},
		{"identical start", slotgrid.Interval{Start: base, Minutes: 15}, 1},
		{"enclosing", slotgrid.Interval{Start: base.Add(-15 * time.Minute), Minutes: 60}, 1},
		{"cancelled ignored", slotgrid.Interval{Start: base.Add(time.Hour), Minutes: 30}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindConflicts(provider, tt.candidate, existing)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestFindConflictsExcludingSelf(t *testing.T) {
	provider := uuid.New()
	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	self := Appointment{ID: uuid.New(), ProviderID: provider, Start: base, DurationMinutes: 30, Status: StatusScheduled}

	moved := slotgrid.Interval{Start: base.Add(15 * time.Minute), Minutes: 30}

	assert.Len(t, FindConflicts(provider, moved, []Appointment{self}), 1)
	assert.Empty(t, FindConflictsExcluding(provider, moved, []Appointment{self}, self.ID))
}
