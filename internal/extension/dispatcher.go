package extension

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-runtime/bridge/internal/types"
)

// DefaultMaxRounds bounds how many extension calls one execution may chain
const DefaultMaxRounds = 32

// Resumer delivers extension results back into suspended executions
type Resumer interface {
	ResumeHandler(ctx context.Context, suspensionID string, res types.AsyncResult) *types.Result
	CancelSuspension(ctx context.Context, suspensionID, reason string) *types.Result
}

// Observer is told about every extension call the dispatcher makes
type Observer func(extension, method string, err error, duration time.Duration)

// Dispatcher performs the extension call a suspended result is waiting on and
// resumes it, repeating until the execution completes or fails
type Dispatcher struct {
	registry  *Registry
	resumer   Resumer
	maxRounds int
	logger    *zap.Logger
	observer  Observer
}

// NewDispatcher creates a dispatcher. maxRounds <= 0 uses DefaultMaxRounds.
func NewDispatcher(registry *Registry, resumer Resumer, maxRounds int, logger *zap.Logger) *Dispatcher {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  registry,
		resumer:   resumer,
		maxRounds: maxRounds,
		logger:    logger.Named("dispatcher"),
	}
}

// Observe sets the call observer. It must be set before Drive is used.
func (d *Dispatcher) Observe(fn Observer) { d.observer = fn }

// Drive runs res to a final result. Non-suspended results are returned as
// they are. Once maxRounds calls have been made, or ctx is done, the
// execution is resumed with a cancellation; a handler that catches it and
// suspends again is abandoned.
func (d *Dispatcher) Drive(ctx context.Context, res *types.Result) *types.Result {
	for round := 0; res.Suspended(); round++ {
		s := res.Suspension
		if round >= d.maxRounds {
			d.logger.Warn("extension round limit reached",
				zap.String("suspension_id", s.SuspensionID), zap.Int("rounds", round))
			return d.abort(context.WithoutCancel(ctx), s.SuspensionID,
				fmt.Sprintf("extension round limit %d exceeded", d.maxRounds))
		}
		if err := ctx.Err(); err != nil {
			return d.abort(context.WithoutCancel(ctx), s.SuspensionID, err.Error())
		}
		res = d.resumer.ResumeHandler(ctx, s.SuspensionID, d.Call(ctx, s))
	}
	return res
}

func (d *Dispatcher) abort(ctx context.Context, suspensionID, reason string) *types.Result {
	res := d.resumer.ResumeHandler(ctx, suspensionID, types.Cancellation(reason))
	if !res.Suspended() {
		return res
	}
	return d.resumer.CancelSuspension(ctx, res.Suspension.SuspensionID, reason)
}

// Call performs one extension call and converts the outcome
func (d *Dispatcher) Call(ctx context.Context, s *types.SuspensionDetails) types.AsyncResult {
	ext, ok := d.registry.Get(s.ExtensionName)
	if !ok {
		return types.Failed(fmt.Sprintf("extension %s is not registered", s.ExtensionName))
	}

	logger := d.logger.With(
		zap.String("suspension_id", s.SuspensionID),
		zap.String("extension", s.ExtensionName),
		zap.String("method", s.Method))

	start := time.Now()
	value, err := ext.Call(ctx, s.Method, s.Args)
	if d.observer != nil {
		d.observer(s.ExtensionName, s.Method, err, time.Since(start))
	}
	if err != nil {
		logger.Debug("extension call failed", zap.Error(err))
		return types.Failed(err.Error())
	}
	logger.Debug("extension call completed")
	return types.Succeeded(value)
}
