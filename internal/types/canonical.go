package types

// Phase tags which half of the client-visible response a piece of upstream
// output belongs to. Within one upstream call reasoning deltas always precede
// content deltas; across a whole request the multiplexer preserves the same
// global ordering.
type Phase string

const (
	PhaseReasoning Phase = "reasoning"
	PhaseContent   Phase = "content"
)

// FinishReason mirrors the OpenAI finish_reason values the gateway emits.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// EventKind discriminates the canonical event variants.
type EventKind int

const (
	// EventDelta carries an incremental text fragment.
	EventDelta EventKind = iota
	// EventStageEnd marks the end of one upstream call.
	EventStageEnd
	// EventError is a terminal failure; no further events follow it.
	EventError
)

// Event is the internal, wire-format-independent unit of upstream output.
// Provider adapters produce ordered sequences of these; the orchestrator
// relays and re-tags them; the multiplexer encodes them for the client.
type Event struct {
	Kind   EventKind
	Phase  Phase
	Text   string       // EventDelta only
	Reason FinishReason // EventStageEnd only
	Usage  *Usage       // optionally attached to EventStageEnd
	Err    error        // EventError only
}

// Delta builds a text delta event.
func Delta(phase Phase, text string) Event {
	return Event{Kind: EventDelta, Phase: phase, Text: text}
}

// StageEnd builds a stage-end event.
func StageEnd(phase Phase, reason FinishReason) Event {
	return Event{Kind: EventStageEnd, Phase: phase, Reason: reason}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}
