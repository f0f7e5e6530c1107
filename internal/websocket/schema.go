package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionBegin           Action = "begin"
	ActionNavigate        Action = "navigate"
	ActionNavigateSection Action = "navigate_section"
	ActionNext            Action = "next"
	ActionPrevious        Action = "previous"
	ActionDraft           Action = "draft"
	ActionClear           Action = "clear"
	ActionSaveNext        Action = "save_next"
	ActionMarkNext        Action = "mark_next"
	ActionSaveNavigate    Action = "save_navigate"
	ActionToggleMark      Action = "toggle_mark"
	ActionPause           Action = "pause"
	ActionResume          Action = "resume"
	ActionLanguage        Action = "language"
	ActionReview          Action = "review"
	ActionSubmit          Action = "submit"
	ActionSignal          Action = "signal"
	ActionFullscreenFail  Action = "fullscreen_failed"
	ActionPing            Action = "ping"
)

// Request is every client message. Fields not used by an action are ignored.
type Request struct {
	Action    Action `json:"action"`
	Index     *int   `json:"index,omitempty"`
	Section   *int   `json:"section,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Language  string `json:"language,omitempty"`
	Confirmed bool   `json:"confirmed,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot        Event = "snapshot"
	EventQuestion        Event = "question"
	EventDraft           Event = "draft"
	EventTick            Event = "tick"
	EventWarning         Event = "warning"
	EventTimeUp          Event = "time_up"
	EventReview          Event = "review"
	EventSubmitted       Event = "submitted"
	EventResumeAvailable Event = "resume_available"
	EventError           Event = "error"
	EventPong            Event = "pong"
)

// Message is every server message.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TickPayload struct {
	Remaining int    `json:"remaining"`
	Severity  string `json:"severity"`
}

type WarningPayload struct {
	Threshold int `json:"threshold"`
}

type DraftPayload struct {
	QuestionID string  `json:"question_id"`
	Answer     *string `json:"answer"`
}

type ResumeAvailablePayload struct {
	Signal string `json:"signal"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewMessage encodes data into a Message.
func NewMessage(event Event, data any) (Message, error) {
	if data == nil {
		return Message{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Data: raw}, nil
}
