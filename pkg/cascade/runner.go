package cascade

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fedhub/pkg/types"
)

// Direction names which cascade produced a summary.
type Direction string

const (
	DirectionActivation Direction = "activation"
	DirectionRevocation Direction = "revocation"
)

// Step is one named, idempotent operation inside a cascade.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepResult records the outcome of a single step.
type StepResult struct {
	Step    string `json:"step"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Summary is the execution report of one cascade run. It is returned to the
// caller and logged, never persisted.
type Summary struct {
	Direction       Direction          `json:"direction"`
	InstanceCode    types.InstanceCode `json:"instance_code"`
	StartedAt       time.Time          `json:"started_at"`
	Duration        time.Duration      `json:"duration"`
	Steps           []StepResult       `json:"steps"`
	TotalSteps      int                `json:"total_steps"`
	SuccessfulSteps int                `json:"successful_steps"`
	FailedSteps     int                `json:"failed_steps"`
}

// AllSucceeded reports whether every step completed without error.
func (s *Summary) AllSucceeded() bool {
	return s.FailedSteps == 0
}

// runSteps executes the steps in order. Individual failures are recorded
// and never abort the run; the summary always reflects every attempted
// step. Sequential on purpose, so logs stay causally ordered and the
// summary is deterministic.
func runSteps(ctx context.Context, logger *zap.Logger, direction Direction, code types.InstanceCode, steps []Step) *Summary {
	summary := &Summary{
		Direction:    direction,
		InstanceCode: code,
		StartedAt:    time.Now(),
		TotalSteps:   len(steps),
	}

	for _, step := range steps {
		err := step.Run(ctx)
		result := StepResult{Step: step.Name, Success: err == nil}
		if err != nil {
			result.Error = err.Error()
			summary.FailedSteps++
			logger.Warn("Cascade step failed",
				zap.String("direction", string(direction)),
				zap.String("instance_code", string(code)),
				zap.String("step", step.Name),
				zap.Error(err))
		} else {
			summary.SuccessfulSteps++
			logger.Debug("Cascade step completed",
				zap.String("direction", string(direction)),
				zap.String("instance_code", string(code)),
				zap.String("step", step.Name))
		}
		summary.Steps = append(summary.Steps, result)
	}

	summary.Duration = time.Since(summary.StartedAt)

	logger.Info("Cascade finished",
		zap.String("direction", string(direction)),
		zap.String("instance_code", string(code)),
		zap.Int("total_steps", summary.TotalSteps),
		zap.Int("successful", summary.SuccessfulSteps),
		zap.Int("failed", summary.FailedSteps),
		zap.Duration("duration", summary.Duration))

	return summary
}
