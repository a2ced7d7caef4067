package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a synthesizer producing a deterministic placeholder
// asset, for development without provider credentials.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return Audio{
		Bytes:       []byte("mock-audio:" + req.Voice + ":" + req.Text),
		ContentType: "audio/mpeg",
	}, nil
}
