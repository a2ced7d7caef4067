package orchestrator

import (
	"fmt"
	"strings"

	"github.com/omlabs/om-core/internal/script"
	"github.com/omlabs/om-core/internal/session"
)

const safetyLine = "If the practitioner mentions crisis or self-harm, respond with care and suggest professional support."

func guideSystemPrompt(guide script.Guide, identity session.Identity) string {
	var b strings.Builder
	b.WriteString("You are a compassionate meditation teacher.\n")
	fmt.Fprintf(&b, "Persona: %s. Style: %s\n", guide.Label, guide.Style)
	fmt.Fprintf(&b, "Intent: %s; mantra: %q.\n", identity.Intent, identity.Mantra)
	b.WriteString(safetyLine + "\n")
	b.WriteString("Keep replies brief (3-7 short sentences), invitational, sensory, kind. Avoid medical advice.")
	return b.String()
}

func phasePrompt(phase script.Phase, identity session.Identity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n", phase.Title)
	fmt.Fprintf(&b, "Base narration: %s\n", script.SafeNarration(phase, narrationVars(identity)))
	fmt.Fprintf(&b, "Use the mantra %q naturally.\n", identity.Mantra)
	b.WriteString("2-6 short sentences; warm tone; invite breath cues.")
	return b.String()
}

func checkinPrompt(phase script.Phase, identity session.Identity, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n", phase.Title)
	fmt.Fprintf(&b, "The practitioner checked in: %q\n", text)
	fmt.Fprintf(&b, "Reply warmly in 2-4 short sentences, weaving in the mantra %q if it fits.\n", identity.Mantra)
	b.WriteString("End with a gentle check-in question.")
	return b.String()
}

func fallbackReply(identity session.Identity) string {
	mantra := identity.Mantra
	if mantra == "" {
		mantra = "I am here"
	}
	return fmt.Sprintf("Thank you for sharing that. Let it be as it is, and return gently to the breath and your mantra: %q. How does the breath feel right now?", mantra)
}

func noteSystemPrompt(guide script.Guide) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a meditation guide. Style: %s\n", guide.Label, guide.Style)
	b.WriteString("Write a warm, encouraging one-page note to the practitioner, " +
		"reflecting their session sincerely and concretely. Use second person. " +
		"Weave in their intent and mantra naturally. Offer 2-3 gentle suggestions for the next day. " +
		"No markdown; plain text only; no medical claims.")
	return b.String()
}

func notePrompt(snapshot session.State) string {
	var b strings.Builder
	b.WriteString("Session metadata:\n")
	fmt.Fprintf(&b, "- Intent: %s\n", snapshot.Identity.Intent)
	fmt.Fprintf(&b, "- Mantra: %s\n", snapshot.Identity.Mantra)
	if !snapshot.CompletedAt.IsZero() && !snapshot.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- Duration: %d minutes\n", int(snapshot.CompletedAt.Sub(snapshot.StartedAt).Minutes()))
	}
	if len(snapshot.Checkins) > 0 {
		b.WriteString("\nCheck-ins (latest last):\n")
		for _, c := range snapshot.Checkins {
			fmt.Fprintf(&b, "- [%s] %s\n", c.PhaseTitle, c.Text)
		}
	}
	b.WriteString("\nWrite the full note now.")
	return b.String()
}
