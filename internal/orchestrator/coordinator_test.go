package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/omlabs/om-core/internal/certificate"
	"github.com/omlabs/om-core/internal/config"
	"github.com/omlabs/om-core/internal/narrator"
	"github.com/omlabs/om-core/internal/protocol"
	"github.com/omlabs/om-core/internal/script"
	"github.com/omlabs/om-core/internal/tts"
)

type captureEmitter struct {
	mu        sync.Mutex
	phases    []protocol.PhaseChanged
	completed []protocol.SessionCompleted
	replies   []protocol.GuideReply
	certs     []protocol.CertificateReady
	errs      []protocol.SessionError
	signal    chan struct{}
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{signal: make(chan struct{}, 128)}
}

func (e *captureEmitter) PhaseChanged(msg protocol.PhaseChanged) {
	e.mu.Lock()
	e.phases = append(e.phases, msg)
	e.mu.Unlock()
	e.signal <- struct{}{}
}

func (e *captureEmitter) SessionCompleted(msg protocol.SessionCompleted) {
	e.mu.Lock()
	e.completed = append(e.completed, msg)
	e.mu.Unlock()
	e.signal <- struct{}{}
}

func (e *captureEmitter) GuideReply(msg protocol.GuideReply) {
	e.mu.Lock()
	e.replies = append(e.replies, msg)
	e.mu.Unlock()
	e.signal <- struct{}{}
}

func (e *captureEmitter) CertificateReady(msg protocol.CertificateReady) {
	e.mu.Lock()
	e.certs = append(e.certs, msg)
	e.mu.Unlock()
	e.signal <- struct{}{}
}

func (e *captureEmitter) SessionError(msg protocol.SessionError) {
	e.mu.Lock()
	e.errs = append(e.errs, msg)
	e.mu.Unlock()
	e.signal <- struct{}{}
}

func (e *captureEmitter) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-e.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for emission %d of %d", i+1, n)
		}
	}
}

type markerRenderer struct{}

func (markerRenderer) Render(fields certificate.Fields) ([]byte, error) {
	return []byte("certificate:" + fields.Name), nil
}

type failingSynth struct{}

func (failingSynth) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return tts.Audio{}, &tts.ProviderError{Status: 401, Transient: false, Err: errors.New("unauthorized")}
}

func newTestCoordinator(t *testing.T, synth tts.Synthesizer) (*Coordinator, *captureEmitter) {
	return newTestCoordinatorWith(t, synth, nil, nil, markerRenderer{})
}

func newTestCoordinatorWith(t *testing.T, synth tts.Synthesizer, gen narrator.Generator, mutate func(*config.Config), renderer certificate.Renderer) (*Coordinator, *captureEmitter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	registry := script.NewRegistry(time.Duration(cfg.Session.DefaultMinutes) * time.Minute)
	cache := tts.NewCache(tts.NewAdapter(cfg.TTS, synth, logger), logger)
	certGen := certificate.NewGenerator(cfg.Certificate, registry, renderer)
	emitter := newCaptureEmitter()
	coord := NewCoordinator(context.Background(), cfg, registry, cache, certGen, gen, nil, emitter, logger)
	t.Cleanup(coord.Close)
	return coord, emitter
}

func startEvent(sessionID string) protocol.UIEvent {
	return protocol.UIEvent{
		SessionID: sessionID,
		Type:      protocol.EventStart,
		Identity:  &protocol.Identity{Name: "Ada", Guide: "mira", Intent: "sleep"},
	}
}

func TestFullSessionEmitsFourPhasesThenCompletion(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	for i := 0; i < 4; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	emitter.wait(t, 5)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.phases) != 4 {
		t.Fatalf("expected 4 phase transitions, got %d", len(emitter.phases))
	}
	for i, phase := range emitter.phases {
		if phase.PhaseIndex != i {
			t.Fatalf("phase %d emitted out of order: got index %d", i, phase.PhaseIndex)
		}
		if phase.Narration == "" {
			t.Fatalf("phase %d missing narration", i)
		}
		if phase.TextOnly || len(phase.Audio) == 0 {
			t.Fatalf("phase %d expected synthesized audio", i)
		}
	}
	if emitter.phases[3].AcceptsCheckin {
		t.Fatal("closing phase must not accept check-ins")
	}
	if len(emitter.completed) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(emitter.completed))
	}
	if len(emitter.errs) != 0 {
		t.Fatalf("unexpected errors: %+v", emitter.errs)
	}
}

func TestAdvanceStormYieldsExactlyFourTransitions(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	for i := 0; i < 10; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	// 4 phase entries, 1 completion, 6 rejections for the surplus advances.
	emitter.wait(t, 11)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.phases) != 4 {
		t.Fatalf("expected exactly 4 transitions, got %d", len(emitter.phases))
	}
	if len(emitter.completed) != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", len(emitter.completed))
	}
	if len(emitter.errs) != 6 {
		t.Fatalf("expected 6 rejected advances, got %d", len(emitter.errs))
	}
}

func TestSynthesisFailureDegradesToTextOnly(t *testing.T) {
	coord, emitter := newTestCoordinator(t, failingSynth{})

	coord.Dispatch(startEvent("s1"))
	for i := 0; i < 4; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	emitter.wait(t, 5)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.phases) != 4 {
		t.Fatalf("expected 4 transitions despite synthesis failure, got %d", len(emitter.phases))
	}
	for i, phase := range emitter.phases {
		if !phase.TextOnly {
			t.Fatalf("phase %d expected text-only fallback", i)
		}
		if phase.Narration == "" {
			t.Fatalf("phase %d lost its narration text", i)
		}
	}
	if len(emitter.completed) != 1 {
		t.Fatal("session must complete even when audio is unavailable")
	}
}

func TestSelfGuidedSessionSkipsSynthesis(t *testing.T) {
	coord, emitter := newTestCoordinator(t, failingSynth{})

	coord.Dispatch(protocol.UIEvent{
		SessionID: "s1",
		Type:      protocol.EventStart,
		Identity:  &protocol.Identity{Name: "Ada", Guide: "self"},
	})
	emitter.wait(t, 1)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.phases) != 1 {
		t.Fatalf("expected opening phase, got %d emissions", len(emitter.phases))
	}
	if !emitter.phases[0].TextOnly {
		t.Fatal("self-guided sessions must be text-only")
	}
}

func TestCertificateBeforeCompletionRejected(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCertificate})
	emitter.wait(t, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.certs) != 0 {
		t.Fatal("certificate must not be issued mid-session")
	}
	if len(emitter.errs) != 1 || emitter.errs[0].Event != protocol.EventCertificate {
		t.Fatalf("expected certificate rejection, got %+v", emitter.errs)
	}
}

func TestCertificateAfterCompletion(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	for i := 0; i < 4; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCertificate})
	emitter.wait(t, 6)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.certs) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(emitter.certs))
	}
	cert := emitter.certs[0]
	if cert.Filename == "" {
		t.Fatal("certificate missing filename")
	}
	if !strings.Contains(string(cert.Document), "certificate:Ada") {
		t.Fatalf("certificate rendered with wrong fields: %q", cert.Document)
	}
}

func TestCheckinTruncatedToConfiguredLength(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	long := strings.Repeat("x", 5000)
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCheckin, Text: long})
	for i := 0; i < 4; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCertificate})
	emitter.wait(t, 6)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.errs) != 0 {
		t.Fatalf("unexpected errors: %+v", emitter.errs)
	}
}

func TestEventsBeforeStartRejected(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCheckin, Text: "hi"})
	emitter.wait(t, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.errs) != 2 {
		t.Fatalf("expected 2 rejections before start, got %d", len(emitter.errs))
	}
	if len(emitter.phases) != 0 {
		t.Fatal("no phase should be entered before start")
	}
}

type countingSynth struct {
	calls atomic.Int64
}

func (s *countingSynth) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	s.calls.Add(1)
	return tts.Audio{Bytes: []byte("pcm:" + req.Text), ContentType: "audio/mpeg"}, nil
}

type transientSynth struct {
	calls atomic.Int64
}

func (s *transientSynth) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	s.calls.Add(1)
	return tts.Audio{}, &tts.ProviderError{Status: 503, Transient: true, Err: errors.New("overloaded")}
}

type cannedNarrator struct {
	reply string
	err   error
}

func (n *cannedNarrator) Generate(ctx context.Context, req narrator.Request) (string, error) {
	return n.reply, n.err
}

type fieldsRenderer struct {
	mu     sync.Mutex
	fields certificate.Fields
}

func (r *fieldsRenderer) Render(fields certificate.Fields) ([]byte, error) {
	r.mu.Lock()
	r.fields = fields
	r.mu.Unlock()
	return []byte("doc"), nil
}

func TestRepeatReplaysNarrationFromCache(t *testing.T) {
	synth := &countingSynth{}
	coord, emitter := newTestCoordinatorWith(t, synth, nil, nil, markerRenderer{})

	coord.Dispatch(startEvent("s1"))
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventRepeat})
	emitter.wait(t, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.phases) != 2 {
		t.Fatalf("expected phase emitted twice, got %d", len(emitter.phases))
	}
	first, second := emitter.phases[0], emitter.phases[1]
	if first.PhaseIndex != 0 || second.PhaseIndex != 0 {
		t.Fatalf("repeat must not advance: indexes %d, %d", first.PhaseIndex, second.PhaseIndex)
	}
	if string(first.Audio) != string(second.Audio) {
		t.Fatal("repeat must replay the same audio")
	}
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("repeat hit the provider: %d calls, want 1", got)
	}
}

func TestRepeatBeforeStartRejected(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventRepeat})
	emitter.wait(t, 1)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.errs) != 1 || emitter.errs[0].Event != protocol.EventRepeat {
		t.Fatalf("expected repeat rejection, got %+v", emitter.errs)
	}
}

func TestCheckinTruncationPreservesUTF8(t *testing.T) {
	renderer := &fieldsRenderer{}
	coord, emitter := newTestCoordinatorWith(t, tts.NewMockSynth(0), nil, nil, renderer)

	// 1999 ASCII bytes followed by a three-byte rune straddling the limit.
	long := strings.Repeat("a", 1999) + "ॐ"
	coord.Dispatch(startEvent("s1"))
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCheckin, Text: long})
	for i := 0; i < 4; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCertificate})
	emitter.wait(t, 6)

	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if len(renderer.fields.Checkins) != 1 {
		t.Fatalf("expected 1 check-in on the certificate, got %d", len(renderer.fields.Checkins))
	}
	recorded := renderer.fields.Checkins[0].Text
	if !utf8.ValidString(recorded) {
		t.Fatalf("recorded check-in is not valid UTF-8: trailing bytes % x", recorded[len(recorded)-4:])
	}
	if len(recorded) != 1999 {
		t.Fatalf("expected truncation to the rune boundary at 1999 bytes, got %d", len(recorded))
	}
}

func TestTruncateCheckinRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"aॐ", 2, "a"},
		{"aॐ", 4, "aॐ"},
		{"ॐ", 2, ""},
	}
	for _, tc := range cases {
		got := truncateCheckin(tc.in, tc.max)
		if got != tc.want {
			t.Errorf("truncateCheckin(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateCheckin(%q, %d) produced invalid UTF-8", tc.in, tc.max)
		}
	}
}

func TestCheckinGetsGuideReply(t *testing.T) {
	gen := &cannedNarrator{reply: "Well noticed. Stay with the breath."}
	coord, emitter := newTestCoordinatorWith(t, tts.NewMockSynth(0), gen, func(cfg *config.Config) {
		cfg.Narrator.Enabled = true
	}, markerRenderer{})

	coord.Dispatch(startEvent("s1"))
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCheckin, Text: "feeling restless"})
	emitter.wait(t, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.replies) != 1 {
		t.Fatalf("expected 1 guide reply, got %d", len(emitter.replies))
	}
	reply := emitter.replies[0]
	if reply.Text != gen.reply {
		t.Fatalf("unexpected reply text %q", reply.Text)
	}
	if reply.TextOnly || len(reply.Audio) == 0 {
		t.Fatal("voiced guide reply must carry audio")
	}
}

func TestNarratorFailureFallsBackToStockReply(t *testing.T) {
	gen := &cannedNarrator{err: errors.New("backend down")}
	coord, emitter := newTestCoordinatorWith(t, tts.NewMockSynth(0), gen, func(cfg *config.Config) {
		cfg.Narrator.Enabled = true
	}, markerRenderer{})

	coord.Dispatch(startEvent("s1"))
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCheckin, Text: "hard to focus"})
	emitter.wait(t, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.replies) != 1 {
		t.Fatalf("expected 1 guide reply, got %d", len(emitter.replies))
	}
	// The sleep intent carries the stock mantra "Rest is here."
	if !strings.Contains(emitter.replies[0].Text, "Rest is here.") {
		t.Fatalf("stock reply should weave in the mantra, got %q", emitter.replies[0].Text)
	}
}

func TestCheckinSilentWithoutNarrator(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventCheckin, Text: "all good"})
	coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	emitter.wait(t, 2)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.replies) != 0 {
		t.Fatalf("expected no guide reply without a narrator, got %d", len(emitter.replies))
	}
}

func TestTransientFailureExhaustsRetriesThenDegrades(t *testing.T) {
	synth := &transientSynth{}
	coord, emitter := newTestCoordinatorWith(t, synth, nil, func(cfg *config.Config) {
		cfg.TTS.MaxRetries = 2
		cfg.TTS.RetryBaseMS = 1
	}, markerRenderer{})

	coord.Dispatch(startEvent("s1"))
	for i := 0; i < 4; i++ {
		coord.Dispatch(protocol.UIEvent{SessionID: "s1", Type: protocol.EventAdvance})
	}
	emitter.wait(t, 5)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.phases) != 4 {
		t.Fatalf("expected 4 transitions despite provider outage, got %d", len(emitter.phases))
	}
	for i, phase := range emitter.phases {
		if !phase.TextOnly {
			t.Fatalf("phase %d expected text-only fallback after retry exhaustion", i)
		}
	}
	if len(emitter.completed) != 1 {
		t.Fatal("session must complete even when audio is unavailable")
	}
	// Initial attempt plus 2 retries for each of the 4 distinct narrations.
	if got := synth.calls.Load(); got != 12 {
		t.Fatalf("expected 12 provider attempts, got %d", got)
	}
}

func TestCloseSessionDropsState(t *testing.T) {
	coord, emitter := newTestCoordinator(t, tts.NewMockSynth(0))

	coord.Dispatch(startEvent("s1"))
	emitter.wait(t, 1)

	coord.CloseSession("s1")

	// A new start under the same id builds a fresh machine.
	coord.Dispatch(startEvent("s1"))
	emitter.wait(t, 1)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.errs) != 0 {
		t.Fatalf("restart after close must succeed, got %+v", emitter.errs)
	}
	if len(emitter.phases) != 2 {
		t.Fatalf("expected 2 opening phases, got %d", len(emitter.phases))
	}
}
