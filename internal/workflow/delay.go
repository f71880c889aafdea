package workflow

import (
	"time"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// DelayDuration converts a relative delay into a wall-clock duration.
// Unknown units and negative values resolve to zero, and values past
// model.MaxDelay are capped at it. Definitions are validated before they are
// stored, so neither case reaches the scheduler through the API.
func DelayDuration(d model.Delay) time.Duration {
	unit := d.Unit.Duration()
	switch {
	case unit == 0 || d.Value <= 0:
		return 0
	case d.Value > d.Unit.MaxValue():
		return model.MaxDelay
	}
	return time.Duration(d.Value) * unit
}

// Resolve returns the absolute instant a delay measured from ref ends at.
// Delays are plain durations: no timezone, DST or business-day adjustment.
func Resolve(ref time.Time, d model.Delay) time.Time {
	return ref.Add(DelayDuration(d))
}
