package workflow

import (
	"math"
	"testing"
	"time"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

func TestResolve(t *testing.T) {
	ref := time.Date(2025, 3, 8, 22, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		delay model.Delay
		want  time.Time
	}{
		{"zero", model.Delay{Value: 0, Unit: model.DelayMinutes}, ref},
		{"minutes", model.Delay{Value: 45, Unit: model.DelayMinutes}, ref.Add(45 * time.Minute)},
		{"hours", model.Delay{Value: 3, Unit: model.DelayHours}, ref.Add(3 * time.Hour)},
		{"days are 24h", model.Delay{Value: 2, Unit: model.DelayDays}, ref.Add(48 * time.Hour)},
		{"unknown unit", model.Delay{Value: 5, Unit: "WEEKS"}, ref},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(ref, tt.delay); !got.Equal(tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_largeDelays(t *testing.T) {
	ref := time.Date(2025, 3, 8, 22, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		delay model.Delay
		want  time.Time
	}{
		{"ten years of days", model.Delay{Value: 3650, Unit: model.DelayDays}, ref.Add(model.MaxDelay)},
		{"past the cap", model.Delay{Value: 200000, Unit: model.DelayDays}, ref.Add(model.MaxDelay)},
		{"would overflow", model.Delay{Value: math.MaxInt, Unit: model.DelayMinutes}, ref.Add(model.MaxDelay)},
		{"negative", model.Delay{Value: -5, Unit: model.DelayHours}, ref},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(ref, tt.delay)
			if got.Before(ref) {
				t.Fatalf("Resolve() = %v, before the reference instant", got)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_ignores_dst(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// The night clocks spring forward.
	ref := time.Date(2025, 3, 8, 12, 0, 0, 0, loc)
	got := Resolve(ref, model.Delay{Value: 1, Unit: model.DelayDays})
	if got.Sub(ref) != 24*time.Hour {
		t.Errorf("elapsed = %v, want 24h", got.Sub(ref))
	}
	if got.Hour() == 12 {
		t.Errorf("Resolve() = %v, want wall clock shifted by the DST change", got)
	}
}
