package clip_distill

import (
	"fmt"
	"math"
)

const (
	ScheduleConstant      = "constant"
	ScheduleTruncatedSine = "truncated_sine"
	ScheduleShiftedSine   = "shifted_sine"
)

// LambdaSchedule
// The relative scale of the contrastive loss as a function of the step.
type LambdaSchedule struct {
	Kind   string  `yaml:"kind"`
	Coeff  float64 `yaml:"coeff"`
	Period int     `yaml:"period"`
}

func (ls LambdaSchedule) Validate() error {
	switch ls.Kind {
	case ScheduleConstant:
		return nil
	case ScheduleTruncatedSine, ScheduleShiftedSine:
		if ls.Period < 1 {
			return fmt.Errorf("lambda period must be positive, got %d",
				ls.Period)
		}
		return nil
	default:
		return fmt.Errorf("unknown lambda schedule %q", ls.Kind)
	}
}

// At returns the coefficient for step.
func (ls LambdaSchedule) At(step int) float64 {
	switch ls.Kind {
	case ScheduleTruncatedSine:
		return ls.Coeff * math.Max(0, ls.phase(step))
	case ScheduleShiftedSine:
		return ls.Coeff * (1 + ls.phase(step)) / 2
	default:
		return ls.Coeff
	}
}

func (ls LambdaSchedule) phase(step int) float64 {
	if ls.Period < 1 {
		return 0
	}
	return math.Sin(2 * math.Pi * float64(step) / float64(ls.Period))
}
