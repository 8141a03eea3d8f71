package trainer

import (
	"fmt"
	"math"
)

// Scheduler types.
const (
	SchedulerConstant           = "constant"
	SchedulerConstantWithWarmup = "constant_with_warmup"
	SchedulerLinear             = "linear"
	SchedulerCosine             = "cosine"
)

// Schedule maps an optimizer step (0-based) to a learning rate.
type Schedule struct {
	Kind        string
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
}

// NewSchedule validates kind and derives warmup steps from ratio.
func NewSchedule(kind string, baseLR, warmupRatio float64, totalSteps int) (Schedule, error) {
	if kind == "" {
		kind = SchedulerConstant
	}
	switch kind {
	case SchedulerConstant, SchedulerConstantWithWarmup, SchedulerLinear, SchedulerCosine:
	default:
		return Schedule{}, fmt.Errorf("unknown lr scheduler %q", kind)
	}
	return Schedule{
		Kind:        kind,
		BaseLR:      baseLR,
		WarmupSteps: int(math.Ceil(warmupRatio * float64(totalSteps))),
		TotalSteps:  totalSteps,
	}, nil
}

// LR returns the learning rate for step. "constant" ignores warmup.
func (s Schedule) LR(step int) float64 {
	return s.BaseLR * s.factor(step)
}

func (s Schedule) factor(step int) float64 {
	if s.Kind == SchedulerConstant {
		return 1
	}
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	progress := float64(step-s.WarmupSteps) / float64(max(1, s.TotalSteps-s.WarmupSteps))
	switch s.Kind {
	case SchedulerLinear:
		return math.Max(0, 1-progress)
	case SchedulerCosine:
		return math.Max(0, 0.5*(1+math.Cos(math.Pi*progress)))
	default:
		return 1
	}
}
