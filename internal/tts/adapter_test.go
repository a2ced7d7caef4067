package tts

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/omlabs/om-core/internal/config"
)

type flakySynth struct {
	calls     int
	failFirst int
	err       error
}

func (s *flakySynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	s.calls++
	if s.calls <= s.failFirst {
		return Audio{}, s.err
	}
	return Audio{Bytes: []byte("ok"), ContentType: "audio/mpeg"}, nil
}

func adapterConfig(maxRetries int) config.TTSConfig {
	return config.TTSConfig{
		TimeoutMS:   1000,
		MaxRetries:  maxRetries,
		RetryBaseMS: 1,
	}
}

func TestAdapterRetriesTransientFailures(t *testing.T) {
	synth := &flakySynth{failFirst: 2, err: &ProviderError{Status: 503, Transient: true, Err: errors.New("overloaded")}}
	a := NewAdapter(adapterConfig(3), synth, testLogger())

	audio, err := a.Synthesize(context.Background(), Request{Text: "hi", Voice: "verse"})
	if err != nil {
		t.Fatalf("expected recovery after retries, got %v", err)
	}
	if string(audio.Bytes) != "ok" {
		t.Fatalf("unexpected audio %q", audio.Bytes)
	}
	if synth.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", synth.calls)
	}
}

func TestAdapterExhaustsRetryBudget(t *testing.T) {
	synth := &flakySynth{failFirst: 100, err: &ProviderError{Status: 500, Transient: true, Err: errors.New("boom")}}
	a := NewAdapter(adapterConfig(2), synth, testLogger())

	_, err := a.Synthesize(context.Background(), Request{Text: "hi", Voice: "verse"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if synth.calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d attempts", synth.calls)
	}
}

func TestAdapterDoesNotRetryPermanentFailures(t *testing.T) {
	synth := &flakySynth{failFirst: 100, err: &ProviderError{Status: http.StatusUnauthorized, Err: errors.New("bad key")}}
	a := NewAdapter(adapterConfig(5), synth, testLogger())

	_, err := a.Synthesize(context.Background(), Request{Text: "hi", Voice: "verse"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if synth.calls != 1 {
		t.Fatalf("permanent failure retried: %d attempts", synth.calls)
	}
}

func TestTransientStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusRequestTimeout, true},
		{http.StatusUnauthorized, false},
		{http.StatusPaymentRequired, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		if got := transientStatus(tc.status); got != tc.transient {
			t.Errorf("status %d: transient=%v, want %v", tc.status, got, tc.transient)
		}
	}
}
