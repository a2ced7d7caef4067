package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/omlabs/om-core/internal/bus"
	"github.com/omlabs/om-core/internal/certificate"
	"github.com/omlabs/om-core/internal/config"
	"github.com/omlabs/om-core/internal/eventstore"
	"github.com/omlabs/om-core/internal/narrator"
	"github.com/omlabs/om-core/internal/protocol"
	"github.com/omlabs/om-core/internal/script"
	"github.com/omlabs/om-core/internal/tts"
)

// Service wires the coordinator to the bus: it decodes UI events arriving on
// the wildcard subject and publishes coordinator emissions back out.
type Service struct {
	coordinator *Coordinator
	client      *bus.Client
	logger      *slog.Logger

	subEvents *nats.Subscription
	subClosed *nats.Subscription
}

func NewService(ctx context.Context, cfg config.Config, client *bus.Client, registry *script.Registry, cache *tts.Cache, certGen *certificate.Generator, gen narrator.Generator, store *eventstore.Store, logger *slog.Logger) *Service {
	emitter := &busEmitter{client: client, logger: logger.With(slog.String("component", "orchestrator"))}
	return &Service{
		coordinator: NewCoordinator(ctx, cfg, registry, cache, certGen, gen, store, emitter, logger),
		client:      client,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// Start subscribes to dashboard traffic. Events are enqueued per session from
// the NATS callback; heavy work happens on the session loops.
func (s *Service) Start() error {
	sub, err := s.client.Conn().Subscribe(protocol.SubjectUIEventPrefix+".>", func(msg *nats.Msg) {
		var evt protocol.UIEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.logger.Warn("dropping malformed ui event", slog.String("error", err.Error()))
			return
		}
		s.coordinator.Dispatch(evt)
	})
	if err != nil {
		return fmt.Errorf("subscribe ui events: %w", err)
	}
	s.subEvents = sub

	closed, err := s.client.Conn().Subscribe(protocol.SubjectUIClosed, func(msg *nats.Msg) {
		var note protocol.SessionClosed
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			s.logger.Warn("dropping malformed close notice", slog.String("error", err.Error()))
			return
		}
		s.coordinator.CloseSession(note.SessionID)
	})
	if err != nil {
		_ = s.subEvents.Unsubscribe()
		return fmt.Errorf("subscribe close notices: %w", err)
	}
	s.subClosed = closed

	s.logger.Info("orchestrator subscribed", slog.String("subject", protocol.SubjectUIEventPrefix+".>"))
	return nil
}

// Stop drains the subscriptions and shuts down every session loop.
func (s *Service) Stop() {
	if s.subEvents != nil {
		_ = s.subEvents.Unsubscribe()
	}
	if s.subClosed != nil {
		_ = s.subClosed.Unsubscribe()
	}
	s.coordinator.Close()
}

type busEmitter struct {
	client *bus.Client
	logger *slog.Logger
}

func (e *busEmitter) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to encode emission", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := e.client.Conn().Publish(subject, data); err != nil {
		e.logger.Error("failed to publish emission", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (e *busEmitter) PhaseChanged(msg protocol.PhaseChanged) {
	e.publish(protocol.SubjectSessionPhase, msg)
}

func (e *busEmitter) SessionCompleted(msg protocol.SessionCompleted) {
	e.publish(protocol.SubjectSessionCompleted, msg)
}

func (e *busEmitter) GuideReply(msg protocol.GuideReply) {
	e.publish(protocol.SubjectSessionReply, msg)
}

func (e *busEmitter) CertificateReady(msg protocol.CertificateReady) {
	e.publish(protocol.SubjectSessionCertificate, msg)
}

func (e *busEmitter) SessionError(msg protocol.SessionError) {
	e.publish(protocol.SubjectSessionError, msg)
}
