package workflow

import (
	"math/rand/v2"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// AssignGroup buckets a new enrollment. draw must return a uniform value in
// [0, 1); it is scaled to [0, 100) and compared with splitPercentage.
func AssignGroup(splitPercentage int, draw func() float64) string {
	if draw == nil {
		draw = rand.Float64
	}
	if draw()*100 < float64(splitPercentage) {
		return model.GroupA
	}
	return model.GroupB
}

// groupFor returns the group pointer stored on a new enrollment: nil when the
// workflow has no A/B test.
func groupFor(ab model.ABTest, draw func() float64) *string {
	if !ab.Enabled {
		return nil
	}
	g := AssignGroup(ab.SplitPercentage, draw)
	return &g
}
