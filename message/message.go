// Package message defines the envelope exchanged between a runner controller and
// the environment hosting the runner.
//
// Every message carries a Type discriminant. Request/response pairs additionally
// carry a correlation ID assigned by the controller; the environment echoes it
// back so responses can arrive in any order.
//
// Channels listed in Envelope.Channels are moved alongside the envelope instead
// of being encoded into it: after a successful Send the sender no longer owns them.
package message

import "encoding/json"

// Action is the discriminant of an envelope.
type Action string

// Bootstrap actions, exchanged on the shared bootstrap channel.
const (
	ActionPing      Action = "PING"
	ActionPong      Action = "PONG"
	ActionConnect   Action = "CONNECT"
	ActionConnected Action = "CONNECTED"
)

// Resolver actions, exchanged on a dedicated logical connection.
const (
	ActionInitRunner      Action = "INIT_RUNNER"
	ActionRunnerInited    Action = "RUNNER_INITED"
	ActionRunnerInitError Action = "RUNNER_INIT_ERROR"
)

// Controller → Environment.
const (
	ActionDisconnect         Action = "DISCONNECT"
	ActionDestroy            Action = "DESTROY"
	ActionInterruptListening Action = "INTERRUPT_LISTENING"
	ActionExecute            Action = "EXECUTE"
	ActionResolve            Action = "RESOLVE"
	ActionRequestOwnData     Action = "REQUEST_OWN_DATA"
)

// Environment → Controller.
const (
	ActionDisconnected             Action = "DISCONNECTED"
	ActionDestroyedByRequest       Action = "DESTROYED_BY_REQUEST"
	ActionDestroyedWithError       Action = "DESTROYED_WITH_ERROR"
	ActionDestroyedByForce         Action = "DESTROYED_BY_FORCE"
	ActionExecuted                 Action = "EXECUTED"
	ActionExecutedWithRunnerResult Action = "EXECUTED_WITH_RUNNER_RESULT"
	ActionExecuteError             Action = "EXECUTE_ERROR"
	ActionResolved                 Action = "RESOLVED"
	ActionOwnData                  Action = "OWN_DATA"

	// ActionListeningInterrupted acknowledges INTERRUPT_LISTENING. Nothing
	// belonging to requests sent before the interrupt follows it.
	ActionListeningInterrupted Action = "LISTENING_INTERRUPTED"
)

// ArgType tags one argument or result position.
type ArgType string

const (
	ArgJSON           ArgType = "JSON"            // structurally copyable, travels as-is
	ArgRunnerInstance ArgType = "RUNNER_INSTANCE" // a proxy handle, carried as a channel
	ArgTransfer       ArgType = "TRANSFER"        // a Buffer whose ownership moves to the receiver
)

// Arg is one marshalled argument or result.
//
//   - ArgJSON: Value holds the encoded value.
//   - ArgRunnerInstance: Token names the runner type, Index points into Envelope.Channels.
//   - ArgTransfer: Index points into Envelope.Buffers.
type Arg struct {
	Type  ArgType         `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Token string          `json:"token,omitempty"`
	Index int             `json:"index,omitempty"`
}

// ErrorPayload is the transportable form of an error crossing the boundary.
type ErrorPayload struct {
	ErrorCode      string          `json:"errorCode"`
	Name           string          `json:"name"`
	Message        string          `json:"message"`
	Stack          string          `json:"stack,omitempty"`
	OriginalErrors []*ErrorPayload `json:"originalErrors,omitempty"`
}

// Envelope is the unit carried by a Channel.
type Envelope struct {
	Type        Action        `json:"type"`
	ID          uint64        `json:"id,omitempty"`
	Method      string        `json:"method,omitempty"`
	Token       string        `json:"token,omitempty"`
	Args        []Arg         `json:"args,omitempty"`
	Value       *Arg          `json:"value,omitempty"`
	MethodNames []string      `json:"methodNames,omitempty"`
	Error       *ErrorPayload `json:"error,omitempty"`

	// Buffers holds detached transfer payloads referenced by ArgTransfer entries.
	// In-process carriers move the slices; stream carriers encode them.
	Buffers [][]byte `json:"buffers,omitempty"`

	// Streams is filled by stream carriers only: the stream ids that carry
	// Channels across a byte stream, index for index.
	Streams []uint32 `json:"streams,omitempty"`

	// Channels are moved with the envelope. Never encoded.
	Channels []Channel `json:"-"`
}

// Channel returns the i-th moved channel, or nil.
func (e *Envelope) Channel(i int) Channel {
	if i < 0 || i >= len(e.Channels) {
		return nil
	}
	return e.Channels[i]
}

// IsResponse reports whether the action is an Environment → Controller reply
// that resolves a pending request.
func (a Action) IsResponse() bool {
	switch a {
	case ActionPong, ActionConnected, ActionRunnerInited, ActionRunnerInitError,
		ActionDisconnected, ActionDestroyedByRequest, ActionDestroyedWithError,
		ActionExecuted, ActionExecutedWithRunnerResult, ActionExecuteError,
		ActionResolved, ActionOwnData, ActionListeningInterrupted:
		return true
	}
	return false
}
