// Package orchestrator glues dashboard events to the session state machine,
// narration pipeline, and certificate generator.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/omlabs/om-core/internal/certificate"
	"github.com/omlabs/om-core/internal/config"
	"github.com/omlabs/om-core/internal/eventstore"
	"github.com/omlabs/om-core/internal/narrator"
	"github.com/omlabs/om-core/internal/protocol"
	"github.com/omlabs/om-core/internal/script"
	"github.com/omlabs/om-core/internal/session"
	"github.com/omlabs/om-core/internal/tts"
)

// Emitter delivers session outcomes back to the dashboard boundary.
type Emitter interface {
	PhaseChanged(protocol.PhaseChanged)
	SessionCompleted(protocol.SessionCompleted)
	GuideReply(protocol.GuideReply)
	CertificateReady(protocol.CertificateReady)
	SessionError(protocol.SessionError)
}

// Coordinator owns every active session. Events for one session are handled
// by a single goroutine reading from that session's queue, so SessionState is
// never mutated concurrently.
type Coordinator struct {
	cfg      config.Config
	registry *script.Registry
	cache    *tts.Cache
	certGen  *certificate.Generator
	narrator narrator.Generator
	store    *eventstore.Store
	emitter  Emitter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionLoop

	meter             metric.Meter
	sessionsStarted   metric.Int64Counter
	sessionsCompleted metric.Int64Counter
}

type sessionLoop struct {
	id      string
	machine *session.Machine
	events  chan protocol.UIEvent
	closed  bool

	// Closing note for the certificate, composed once at completion so that
	// repeated certificate requests render byte-identical documents.
	note string
}

const eventQueueSize = 16

func NewCoordinator(parent context.Context, cfg config.Config, registry *script.Registry, cache *tts.Cache, certGen *certificate.Generator, gen narrator.Generator, store *eventstore.Store, emitter Emitter, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		certGen:  certGen,
		narrator: gen,
		store:    store,
		emitter:  emitter,
		logger:   logger.With(slog.String("component", "orchestrator")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionLoop),
		meter:    otel.Meter("github.com/omlabs/om-core/runtime"),
	}
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

func (c *Coordinator) initMetrics() error {
	started, err := c.meter.Int64Counter("om.sessions.started",
		metric.WithDescription("Sessions started"))
	if err != nil {
		return err
	}
	completed, err := c.meter.Int64Counter("om.sessions.completed",
		metric.WithDescription("Sessions that reached the terminal state"))
	if err != nil {
		return err
	}
	c.sessionsStarted = started
	c.sessionsCompleted = completed
	return nil
}

// Dispatch queues a UI event for its session. Events for one session are
// processed strictly in order; events never block the caller. A full queue
// drops the event, which the dashboard experiences as an ignored click.
func (c *Coordinator) Dispatch(evt protocol.UIEvent) {
	if evt.SessionID == "" {
		return
	}
	c.mu.Lock()
	loop, ok := c.sessions[evt.SessionID]
	if !ok {
		loop = &sessionLoop{
			id:      evt.SessionID,
			machine: session.New(evt.SessionID, c.registryFor(evt)),
			events:  make(chan protocol.UIEvent, eventQueueSize),
		}
		c.sessions[evt.SessionID] = loop
		c.wg.Add(1)
		go c.run(loop)
	}
	if loop.closed {
		c.mu.Unlock()
		return
	}
	select {
	case loop.events <- evt:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("session event queue full, dropping event",
			slog.String("session_id", evt.SessionID),
			slog.String("type", evt.Type))
	}
}

// registryFor picks the phase registry for a new session. A start event may
// carry a custom session length; phases stay fixed for the session lifetime.
func (c *Coordinator) registryFor(evt protocol.UIEvent) *script.Registry {
	if evt.Type == protocol.EventStart && evt.Identity != nil && evt.Identity.Minutes > 0 {
		return script.NewRegistry(time.Duration(evt.Identity.Minutes) * time.Minute)
	}
	return c.registry
}

// CloseSession discards a session's state after its connection went away.
// Nothing is persisted, so there is no cleanup beyond dropping the loop; any
// in-flight synthesis still completes into the shared cache.
func (c *Coordinator) CloseSession(sessionID string) {
	c.mu.Lock()
	loop, ok := c.sessions[sessionID]
	if ok && !loop.closed {
		loop.closed = true
		close(loop.events)
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
}

// Close stops all session loops.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	for id, loop := range c.sessions {
		if !loop.closed {
			loop.closed = true
			close(loop.events)
		}
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) run(loop *sessionLoop) {
	defer c.wg.Done()
	for {
		select {
		case evt, ok := <-loop.events:
			if !ok {
				return
			}
			c.handle(loop, evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handle(loop *sessionLoop, evt protocol.UIEvent) {
	switch evt.Type {
	case protocol.EventStart:
		c.handleStart(loop, evt)
	case protocol.EventAdvance:
		c.handleAdvance(loop)
	case protocol.EventRepeat:
		c.handleRepeat(loop)
	case protocol.EventCheckin:
		c.handleCheckin(loop, evt)
	case protocol.EventCertificate:
		c.handleCertificate(loop)
	default:
		c.logger.Warn("unknown ui event type",
			slog.String("session_id", loop.id),
			slog.String("type", evt.Type))
	}
}

func (c *Coordinator) handleStart(loop *sessionLoop, evt protocol.UIEvent) {
	identity := identityFrom(evt.Identity)
	if err := loop.machine.Start(identity); err != nil {
		c.reject(loop.id, protocol.EventStart, err)
		return
	}
	c.record(loop.id, eventstore.TypeStarted, map[string]string{
		"practitioner": identity.Name,
		"guide":        identity.Guide,
	})
	if c.store != nil {
		if err := c.store.AppendSession(c.ctx, loop.id, identity.Name, identity.Guide); err != nil {
			c.logger.Warn("failed to record session", slog.String("error", err.Error()))
		}
	}
	if c.sessionsStarted != nil {
		c.sessionsStarted.Add(c.ctx, 1)
	}
	c.enterPhase(loop, 0)
}

func (c *Coordinator) handleAdvance(loop *sessionLoop) {
	progress, err := loop.machine.Advance()
	if err != nil {
		c.reject(loop.id, protocol.EventAdvance, err)
		return
	}
	if progress.Completed {
		c.completeSession(loop)
		return
	}
	c.enterPhase(loop, progress.PhaseIndex)
}

// handleRepeat replays the current phase's narration. The audio comes back
// out of the cache, so a repeat never costs a second provider call.
func (c *Coordinator) handleRepeat(loop *sessionLoop) {
	phase, err := loop.machine.CurrentPhase()
	if err != nil {
		c.reject(loop.id, protocol.EventRepeat, err)
		return
	}
	c.emitPhase(loop, phase)
}

func (c *Coordinator) handleCheckin(loop *sessionLoop, evt protocol.UIEvent) {
	text := truncateCheckin(evt.Text, c.cfg.Session.MaxCheckinLen)
	if err := loop.machine.RecordCheckin(text); err != nil {
		c.reject(loop.id, protocol.EventCheckin, err)
		return
	}
	c.record(loop.id, eventstore.TypeCheckin, map[string]string{"text": text})
	c.replyToCheckin(loop, text)
}

// truncateCheckin caps text at max bytes without splitting a multi-byte rune;
// the recorded text must stay valid UTF-8 through JSON emissions and the
// certificate.
func truncateCheckin(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// replyToCheckin composes the guide's spoken response to a check-in. Only
// narrator-enabled sessions with a voiced guide reply; everyone else records
// silently. Narrator failure falls back to a stock acknowledgment.
func (c *Coordinator) replyToCheckin(loop *sessionLoop, text string) {
	snapshot := loop.machine.Snapshot()
	guide := script.GuideByKey(snapshot.Identity.Guide)
	if c.narrator == nil || !c.cfg.Narrator.Enabled || guide.Voice == "" {
		return
	}
	phase, err := loop.machine.CurrentPhase()
	if err != nil {
		return
	}

	reply := c.generateReply(snapshot, phase, guide, text)
	audio := c.synthesize(loop.id, snapshot.Identity, phase, reply)
	c.emitter.GuideReply(protocol.GuideReply{
		SessionID:        loop.id,
		PhaseIndex:       phase.Index,
		Text:             reply,
		Audio:            audio.Bytes,
		AudioContentType: audio.ContentType,
		TextOnly:         audio.TextOnly,
		Timestamp:        time.Now().UTC(),
	})
}

func (c *Coordinator) generateReply(snapshot session.State, phase script.Phase, guide script.Guide, text string) string {
	ctx, cancel := context.WithTimeout(c.ctx, time.Duration(c.cfg.Narrator.TimeoutMS)*time.Millisecond)
	defer cancel()

	reply, err := c.narrator.Generate(ctx, narrator.Request{
		SessionID:   snapshot.ID,
		System:      guideSystemPrompt(guide, snapshot.Identity),
		Prompt:      checkinPrompt(phase, snapshot.Identity, text),
		MaxTokens:   c.cfg.Narrator.MaxTokens,
		Temperature: c.cfg.Narrator.Temperature,
	})
	if err != nil || reply == "" {
		c.logger.Warn("narrator unavailable, using stock check-in reply",
			slog.String("session_id", snapshot.ID),
			slog.Int("phase", phase.Index))
		return fallbackReply(snapshot.Identity)
	}
	return reply
}

func (c *Coordinator) handleCertificate(loop *sessionLoop) {
	snapshot := loop.machine.Snapshot()
	doc, err := c.certGen.Generate(snapshot, loop.note)
	if err != nil {
		if errors.Is(err, certificate.ErrSessionNotCompleted) {
			c.reject(loop.id, protocol.EventCertificate, err)
			return
		}
		c.logger.Error("certificate rendering failed",
			slog.String("session_id", loop.id),
			slog.String("error", err.Error()))
		c.reject(loop.id, protocol.EventCertificate, err)
		return
	}
	c.record(loop.id, eventstore.TypeCertificate, nil)
	c.emitter.CertificateReady(protocol.CertificateReady{
		SessionID: loop.id,
		Filename:  c.certGen.Filename(),
		Document:  doc,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) completeSession(loop *sessionLoop) {
	snapshot := loop.machine.Snapshot()
	loop.note = c.composeNote(snapshot)
	c.record(loop.id, eventstore.TypeCompleted, nil)
	if c.sessionsCompleted != nil {
		c.sessionsCompleted.Add(c.ctx, 1)
	}
	c.emitter.SessionCompleted(protocol.SessionCompleted{
		SessionID:       loop.id,
		StartedAt:       snapshot.StartedAt,
		CompletedAt:     snapshot.CompletedAt,
		DurationSeconds: int(snapshot.CompletedAt.Sub(snapshot.StartedAt) / time.Second),
		Timestamp:       time.Now().UTC(),
	})
}

func (c *Coordinator) enterPhase(loop *sessionLoop, index int) {
	phase, err := loop.machine.CurrentPhase()
	if err != nil || phase.Index != index {
		c.logger.Error("phase lookup mismatch",
			slog.String("session_id", loop.id),
			slog.Int("index", index))
		return
	}
	c.record(loop.id, eventstore.TypePhase, map[string]string{"title": phase.Title})
	c.emitPhase(loop, phase)
}

// emitPhase renders and announces a phase without recording a timeline
// entry; repeats go through here directly.
func (c *Coordinator) emitPhase(loop *sessionLoop, phase script.Phase) {
	snapshot := loop.machine.Snapshot()
	text := c.narration(snapshot, phase)
	audio := c.synthesize(loop.id, snapshot.Identity, phase, text)

	c.emitter.PhaseChanged(protocol.PhaseChanged{
		SessionID:        loop.id,
		PhaseIndex:       phase.Index,
		PhaseTitle:       phase.Title,
		Narration:        text,
		Audio:            audio.Bytes,
		AudioContentType: audio.ContentType,
		TextOnly:         audio.TextOnly,
		AcceptsCheckin:   phase.AcceptsCheckin,
		RemainingSeconds: int(loop.machine.TimeRemaining() / time.Second),
		Timestamp:        time.Now().UTC(),
	})
}

// narration renders the phase text: template first, then the optional
// narrator rewrite in the guide's style. Any narrator failure silently keeps
// the template text.
func (c *Coordinator) narration(snapshot session.State, phase script.Phase) string {
	text := script.SafeNarration(phase, narrationVars(snapshot.Identity))

	guide := script.GuideByKey(snapshot.Identity.Guide)
	if c.narrator == nil || !c.cfg.Narrator.Enabled || guide.Voice == "" {
		return text
	}

	ctx, cancel := context.WithTimeout(c.ctx, time.Duration(c.cfg.Narrator.TimeoutMS)*time.Millisecond)
	defer cancel()

	generated, err := c.narrator.Generate(ctx, narrator.Request{
		SessionID:   snapshot.ID,
		System:      guideSystemPrompt(guide, snapshot.Identity),
		Prompt:      phasePrompt(phase, snapshot.Identity),
		MaxTokens:   c.cfg.Narrator.MaxTokens,
		Temperature: c.cfg.Narrator.Temperature,
	})
	if err != nil || generated == "" {
		c.logger.Warn("narrator unavailable, using template narration",
			slog.String("session_id", snapshot.ID),
			slog.Int("phase", phase.Index))
		return text
	}
	return generated
}

// synthesize resolves narration audio through the shared cache. Voiceless
// guides and disabled TTS yield the text-only marker without touching the
// provider.
func (c *Coordinator) synthesize(sessionID string, identity session.Identity, phase script.Phase, text string) tts.Audio {
	guide := script.GuideByKey(identity.Guide)
	if !c.cfg.TTS.Enabled || guide.Voice == "" {
		return tts.TextOnlyAudio(text)
	}
	audio, err := c.cache.GetOrSynthesize(c.ctx, tts.Request{
		SessionID:  sessionID,
		PhaseIndex: phase.Index,
		Text:       text,
		Voice:      guide.Voice,
	})
	if err != nil {
		return tts.TextOnlyAudio(text)
	}
	return audio
}

// composeNote builds the certificate closing note once per session.
func (c *Coordinator) composeNote(snapshot session.State) string {
	fields, err := c.certGen.BuildFields(snapshot, "")
	if err != nil {
		return ""
	}
	fallback := certificate.FallbackNote(fields)

	guide := script.GuideByKey(snapshot.Identity.Guide)
	if c.narrator == nil || !c.cfg.Narrator.Enabled || guide.Voice == "" {
		return fallback
	}

	ctx, cancel := context.WithTimeout(c.ctx, time.Duration(c.cfg.Narrator.TimeoutMS)*time.Millisecond)
	defer cancel()

	note, err := c.narrator.Generate(ctx, narrator.Request{
		SessionID:   snapshot.ID,
		System:      noteSystemPrompt(guide),
		Prompt:      notePrompt(snapshot),
		MaxTokens:   c.cfg.Narrator.MaxTokens,
		Temperature: c.cfg.Narrator.Temperature,
	})
	if err != nil || note == "" {
		return fallback
	}
	return note
}

func (c *Coordinator) reject(sessionID, event string, err error) {
	c.logger.Warn("ui event rejected",
		slog.String("session_id", sessionID),
		slog.String("event", event),
		slog.String("error", err.Error()))
	c.emitter.SessionError(protocol.SessionError{
		SessionID: sessionID,
		Event:     event,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) record(sessionID, eventType string, payload map[string]string) {
	if c.store == nil {
		return
	}
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	if err := c.store.AppendEvent(c.ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   data,
	}); err != nil {
		c.logger.Warn("failed to record timeline event",
			slog.String("session_id", sessionID),
			slog.String("type", eventType),
			slog.String("error", err.Error()))
	}
}

// narrationVars exposes only the identity fields that are actually set, so
// blank fields fall back to the script defaults instead of rendering empty.
func narrationVars(identity session.Identity) map[string]string {
	vars := make(map[string]string, 3)
	if identity.Name != "" {
		vars["name"] = identity.Name
	}
	if identity.Mantra != "" {
		vars["mantra"] = identity.Mantra
	}
	if identity.Intent != "" {
		vars["intent"] = identity.Intent
	}
	return vars
}

func identityFrom(id *protocol.Identity) session.Identity {
	if id == nil {
		return session.Identity{Mantra: script.DefaultMantra("")}
	}
	mantra := id.Mantra
	if mantra == "" {
		mantra = script.DefaultMantra(id.Intent)
	}
	return session.Identity{
		Name:   id.Name,
		Guide:  id.Guide,
		Intent: id.Intent,
		Mantra: mantra,
	}
}
