// Package script holds the fixed meditation script: four ordered phases,
// their narration templates, and the guide personas that deliver them.
package script

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PhaseCount is fixed; the script is a four-phase arc.
const PhaseCount = 4

// ErrOutOfRange is returned for phase indexes outside [0, PhaseCount).
var ErrOutOfRange = errors.New("phase index out of range")

// MissingVariableError reports an unresolved template variable. Callers that
// render user-facing narration should fall back to SafeNarration instead of
// surfacing this.
type MissingVariableError struct {
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("narration template references missing variable %q", e.Variable)
}

// Phase is one immutable segment of the session script.
type Phase struct {
	Index          int
	Title          string
	Narration      string
	Duration       time.Duration
	AcceptsCheckin bool
}

// Registry holds the four phases for a configured session length.
type Registry struct {
	phases [PhaseCount]Phase
}

// NewRegistry builds the registry, splitting the total session length into
// equal quarters the way the dashboard advertises it.
func NewRegistry(total time.Duration) *Registry {
	if total <= 0 {
		total = 10 * time.Minute
	}
	quarter := total / PhaseCount
	r := &Registry{}
	titles := [PhaseCount]string{
		"Opening & Intention",
		"Breath & Mantra",
		"Body Scan & Kind Wish",
		"Closing & Integration",
	}
	narrations := [PhaseCount]string{
		"Welcome, {{name}}. Find a comfortable seat and lengthen your spine. " +
			"Set your intention for {{intent}} and let the mantra settle in: \"{{mantra}}\". " +
			"Take three relaxed breaths, slow in, slower out.",
		"Breathe in for four, out for six. Whisper your mantra: \"{{mantra}}\". " +
			"Let distractions drift by and kindly return to breath and mantra.",
		"A gentle body scan: crown, forehead, jaw, shoulders, torso, hips, legs, feet. " +
			"Wherever there is tension, soften slightly. " +
			"Offer yourself a kind wish with the mantra: \"{{mantra}}\".",
		"Deepen the breath and notice the calm you have gathered. " +
			"Choose one small action to carry this feeling into your day. " +
			"When ready, gently open the eyes. Thank yourself for practicing.",
	}
	checkins := [PhaseCount]bool{true, true, true, false}
	for i := 0; i < PhaseCount; i++ {
		r.phases[i] = Phase{
			Index:          i,
			Title:          titles[i],
			Narration:      narrations[i],
			Duration:       quarter,
			AcceptsCheckin: checkins[i],
		}
	}
	return r
}

// Get returns the phase at index or ErrOutOfRange.
func (r *Registry) Get(index int) (Phase, error) {
	if index < 0 || index >= PhaseCount {
		return Phase{}, fmt.Errorf("phase %d: %w", index, ErrOutOfRange)
	}
	return r.phases[index], nil
}

// Titles returns the phase titles in script order.
func (r *Registry) Titles() []string {
	titles := make([]string, PhaseCount)
	for i, p := range r.phases {
		titles[i] = p.Title
	}
	return titles
}

// RenderNarration substitutes {{variable}} references in the phase narration.
// It is a pure function; a reference without a binding yields a
// *MissingVariableError.
func RenderNarration(phase Phase, vars map[string]string) (string, error) {
	var b strings.Builder
	text := phase.Narration
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			b.WriteString(text)
			return b.String(), nil
		}
		end := strings.Index(text[start:], "}}")
		if end < 0 {
			b.WriteString(text)
			return b.String(), nil
		}
		end += start
		name := strings.TrimSpace(text[start+2 : end])
		value, ok := vars[name]
		if !ok {
			return "", &MissingVariableError{Variable: name}
		}
		b.WriteString(text[:start])
		b.WriteString(value)
		text = text[end+2:]
	}
}

// SafeNarration renders the phase narration, substituting safe defaults for
// any missing variable. Narration shown to the practitioner must never carry
// a raw template error.
func SafeNarration(phase Phase, vars map[string]string) string {
	safe := make(map[string]string, len(vars)+3)
	for k, v := range vars {
		safe[k] = v
	}
	for {
		text, err := RenderNarration(phase, safe)
		if err == nil {
			return text
		}
		var missing *MissingVariableError
		if !errors.As(err, &missing) {
			return phase.Narration
		}
		safe[missing.Variable] = defaultVariable(missing.Variable)
	}
}

func defaultVariable(name string) string {
	switch name {
	case "name":
		return "friend"
	case "mantra":
		return "I am here"
	case "intent":
		return "this practice"
	default:
		return "this moment"
	}
}
