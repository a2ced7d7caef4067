package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/omlabs/om-core/internal/config"
)

// Adapter wraps a Synthesizer with a bounded per-call timeout and exponential
// backoff retries for transient failures only. All failure classes collapse
// into ErrUnavailable at this boundary.
type Adapter struct {
	synth      Synthesizer
	timeout    time.Duration
	maxRetries uint64
	retryBase  time.Duration
	logger     *slog.Logger
}

// NewAdapter builds the retrying adapter from config.
func NewAdapter(cfg config.TTSConfig, synth Synthesizer, logger *slog.Logger) *Adapter {
	return &Adapter{
		synth:      synth,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		maxRetries: uint64(cfg.MaxRetries),
		retryBase:  time.Duration(cfg.RetryBaseMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "tts-adapter")),
	}
}

func (a *Adapter) Synthesize(ctx context.Context, req Request) (Audio, error) {
	var audio Audio

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		result, err := a.synth.Synthesize(attemptCtx, req)
		if err == nil {
			audio = result
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		a.logger.Warn("transient synthesis failure, will retry",
			slog.Int("phase", req.PhaseIndex),
			slog.String("error", err.Error()))
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.retryBase
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, a.maxRetries), ctx)); err != nil {
		return Audio{}, fmt.Errorf("synthesize phase %d: %w: %w", req.PhaseIndex, ErrUnavailable, err)
	}
	return audio, nil
}
