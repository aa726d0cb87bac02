package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Investigation events
	EventInvestigationStarted        EventType = "investigation.started"
	EventInvestigationCompleted      EventType = "investigation.completed"
	EventInvestigationFailed         EventType = "investigation.failed"
	EventInvestigationBudgetExceeded EventType = "investigation.budget_exhausted"

	// Step events
	EventStepExecuted EventType = "step.executed"
	EventStepFailed   EventType = "step.failed"

	// Conversation events
	EventFeedbackSubmitted EventType = "conversation.feedback_submitted"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited operation
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	ConversationID string `json:"conversation_id,omitempty"`
	Trigger        string `json:"trigger,omitempty"`

	Action      string         `json:"action,omitempty"`
	StepID      int            `json:"step_id,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]any),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithConversation sets the conversation the event belongs to
func (e *Event) WithConversation(id string) *Event {
	e.ConversationID = id
	return e
}

// WithTrigger records what started a run ("query", "resume", "feedback")
func (e *Event) WithTrigger(trigger string) *Event {
	e.Trigger = trigger
	return e
}

// WithStep sets the step being audited
func (e *Event) WithStep(id int, action string) *Event {
	e.StepID = id
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
