// Package certificate assembles and renders the session completion document.
package certificate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omlabs/om-core/internal/config"
	"github.com/omlabs/om-core/internal/script"
	"github.com/omlabs/om-core/internal/session"
)

// ErrSessionNotCompleted is returned when a certificate is requested before
// the session reached its terminal state. The UI surfaces this as a blocked
// action, not a crash.
var ErrSessionNotCompleted = errors.New("session not completed")

// AnonymousName is rendered when the practitioner left the name field empty.
// A missing name never blocks the certificate.
const AnonymousName = "Anonymous"

// Fields is the read-only snapshot rendered onto the document. Every
// timestamp comes from the session state, never from the wall clock at render
// time, so rendering is reproducible.
type Fields struct {
	Title       string
	Name        string
	GuideLabel  string
	Intent      string
	Mantra      string
	Date        time.Time
	Duration    time.Duration
	PhaseTitles []string
	Checkins    []session.Checkin
	Note        string
}

// Renderer turns assembled fields into document bytes.
type Renderer interface {
	Render(fields Fields) ([]byte, error)
}

// Generator builds certificates for completed sessions.
type Generator struct {
	cfg      config.CertificateConfig
	registry *script.Registry
	renderer Renderer
}

func NewGenerator(cfg config.CertificateConfig, registry *script.Registry, renderer Renderer) *Generator {
	return &Generator{cfg: cfg, registry: registry, renderer: renderer}
}

// Generate renders the completion document for a session snapshot. The note
// is an optional closing message from the guide. Identical inputs always
// produce byte-identical output.
func (g *Generator) Generate(state session.State, note string) ([]byte, error) {
	fields, err := g.BuildFields(state, note)
	if err != nil {
		return nil, err
	}
	doc, err := g.renderer.Render(fields)
	if err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return doc, nil
}

// BuildFields assembles the render snapshot, failing if the session has not
// completed.
func (g *Generator) BuildFields(state session.State, note string) (Fields, error) {
	if state.CompletedAt.IsZero() {
		return Fields{}, fmt.Errorf("certificate for session %s: %w", state.ID, ErrSessionNotCompleted)
	}

	name := strings.TrimSpace(state.Identity.Name)
	if name == "" {
		name = AnonymousName
	}

	checkins := make([]session.Checkin, 0, len(state.Checkins))
	for _, c := range state.Checkins {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		checkins = append(checkins, c)
	}

	return Fields{
		Title:       g.cfg.Title,
		Name:        name,
		GuideLabel:  script.GuideByKey(state.Identity.Guide).Label,
		Intent:      state.Identity.Intent,
		Mantra:      state.Identity.Mantra,
		Date:        state.CompletedAt,
		Duration:    state.CompletedAt.Sub(state.StartedAt),
		PhaseTitles: g.registry.Titles(),
		Checkins:    checkins,
		Note:        note,
	}, nil
}

// Filename returns the configured download filename.
func (g *Generator) Filename() string { return g.cfg.Filename }

// FallbackNote is the static closing note used when no narrator is available.
func FallbackNote(fields Fields) string {
	intent := fields.Intent
	if intent == "" {
		intent = "your practice"
	}
	mantra := fields.Mantra
	if mantra == "" {
		mantra = "I am here"
	}
	return fmt.Sprintf(
		"Dear %s,\n\n"+
			"Today you practiced with the intention of %s. Let your mantra, \"%s\", "+
			"stay close as the day unfolds. When attention wanders, return kindly to breath.\n\n"+
			"Over the next day, try three simple things: pause for three soft breaths between tasks; "+
			"scan the body before sleep; name one thing you appreciate as you stand up after sitting.\n\n"+
			"Thank you for showing up with courage. May your practice stay gentle and real.\n\n"+
			"With gratitude,\n%s",
		fields.Name, strings.ToLower(intent), mantra, fields.GuideLabel)
}
