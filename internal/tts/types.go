package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable signals that synthesis could not be obtained from the
// provider. Callers degrade to text-only narration; audio is an enhancement,
// never a hard dependency of the session flow.
var ErrUnavailable = errors.New("tts unavailable")

// Request contains parameters to synthesize narration audio.
type Request struct {
	SessionID  string
	PhaseIndex int
	Text       string
	Voice      string
}

// Audio is playback-ready synthesized narration. TextOnly marks a degraded
// asset whose Bytes carry the narration text instead of audio.
type Audio struct {
	Bytes       []byte
	ContentType string
	TextOnly    bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// ProviderError classifies a provider failure. Transient failures (timeouts,
// 5xx) are worth retrying; authentication and quota failures are not.
type ProviderError struct {
	Status    int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tts provider status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("tts provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// TextOnlyAudio builds the degraded marker asset for a narration.
func TextOnlyAudio(text string) Audio {
	return Audio{
		Bytes:       []byte(text),
		ContentType: "text/plain; charset=utf-8",
		TextOnly:    true,
	}
}
