package protocol

import "time"

// Subjects carrying UI events from the gateway to the orchestrator. The
// session id is appended as the final token so the orchestrator can use a
// single wildcard subscription.
const (
	SubjectUIEventPrefix = "om.ui.event"
	SubjectUIClosed      = "om.ui.closed"
)

// Subjects carrying orchestrator emissions back to the gateway.
const (
	SubjectSessionPhase       = "om.session.phase"
	SubjectSessionCompleted   = "om.session.completed"
	SubjectSessionReply       = "om.session.reply"
	SubjectSessionCertificate = "om.session.certificate"
	SubjectSessionError       = "om.session.error"
)

// UI event types accepted on SubjectUIEventPrefix.
const (
	EventStart       = "start"
	EventAdvance     = "advance"
	EventRepeat      = "repeat"
	EventCheckin     = "checkin"
	EventCertificate = "certificate"
)

// Identity carries practitioner fields supplied by the dashboard at start.
type Identity struct {
	Name    string `json:"name"`
	Guide   string `json:"guide,omitempty"`
	Intent  string `json:"intent,omitempty"`
	Mantra  string `json:"mantra,omitempty"`
	Minutes int    `json:"minutes,omitempty"`
}

// UIEvent is a single dashboard action forwarded over the bus.
type UIEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Identity  *Identity `json:"identity,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionClosed notifies the orchestrator that a dashboard connection went away.
type SessionClosed struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseChanged announces entry into a phase together with its narration.
type PhaseChanged struct {
	SessionID        string    `json:"session_id"`
	PhaseIndex       int       `json:"phase_index"`
	PhaseTitle       string    `json:"phase_title"`
	Narration        string    `json:"narration"`
	Audio            []byte    `json:"audio,omitempty"`
	AudioContentType string    `json:"audio_content_type,omitempty"`
	TextOnly         bool      `json:"text_only"`
	AcceptsCheckin   bool      `json:"accepts_checkin"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Timestamp        time.Time `json:"timestamp"`
}

// SessionCompleted announces that the final phase has been left behind.
type SessionCompleted struct {
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// GuideReply is the guide's spoken response to a check-in.
type GuideReply struct {
	SessionID        string    `json:"session_id"`
	PhaseIndex       int       `json:"phase_index"`
	Text             string    `json:"text"`
	Audio            []byte    `json:"audio,omitempty"`
	AudioContentType string    `json:"audio_content_type,omitempty"`
	TextOnly         bool      `json:"text_only"`
	Timestamp        time.Time `json:"timestamp"`
}

// CertificateReady carries the rendered completion document.
type CertificateReady struct {
	SessionID string    `json:"session_id"`
	Filename  string    `json:"filename"`
	Document  []byte    `json:"document"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionError reports a rejected UI event back to the dashboard.
type SessionError struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UIEventSubject builds the per-session publish subject for a UI event.
func UIEventSubject(sessionID string) string {
	return SubjectUIEventPrefix + "." + sessionID
}
