// Package protocol defines the JSON wire frames spoken between the relay, the
// browser extension upstream, and downstream automation clients, plus the
// error taxonomy shared across the stack.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Method names follow the DevTools Domain.operation convention. The relay
// answers the Target/Browser subset below from its own session table; every
// other method is forwarded to the extension verbatim.
const (
	MethodGetVersion         = "Browser.getVersion"
	MethodSetAutoAttach      = "Target.setAutoAttach"
	MethodSetDiscoverTargets = "Target.setDiscoverTargets"
	MethodGetTargets         = "Target.getTargets"
	MethodAttachToTarget     = "Target.attachToTarget"
	MethodGetTargetInfo      = "Target.getTargetInfo"

	// Relay-to-extension control call: attach the active tab.
	MethodExtensionAttach = "Extension.attach"
)

// Event names emitted by the upstream (and synthesized by the relay for late
// watchers).
const (
	EventAttachedToTarget   = "Target.attachedToTarget"
	EventDetachedFromTarget = "Target.detachedFromTarget"
	EventTargetInfoChanged  = "Target.targetInfoChanged"
)

// Call is a request frame. The id is assigned by the sender and scoped to its
// connection; SessionID is optional and names the tab session the command
// targets.
type Call struct {
	ID        uint64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Reply answers exactly one Call, matched by id. Exactly one of Result and
// Error is populated.
type Reply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// Event is an unsolicited notification. It carries no id and is never
// answered.
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorPayload is the single-field error object used on the wire.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Kind classifies an inbound frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindCall
	KindReply
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReply:
		return "reply"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Message is the superset frame used to decode inbound traffic before
// classification. The id is a pointer so that id 0 and "no id" stay
// distinguishable.
type Message struct {
	ID        *uint64         `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// Kind reports how the frame should be interpreted: an id plus a method is a
// call, an id without a method is a reply, a method without an id is an event.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindCall
	case m.ID != nil:
		return KindReply
	case m.Method != "":
		return KindEvent
	default:
		return KindInvalid
	}
}

// AsCall converts a classified message into a Call frame.
func (m *Message) AsCall() Call {
	var id uint64
	if m.ID != nil {
		id = *m.ID
	}
	return Call{ID: id, Method: m.Method, Params: m.Params, SessionID: m.SessionID}
}

// AsReply converts a classified message into a Reply frame.
func (m *Message) AsReply() Reply {
	var id uint64
	if m.ID != nil {
		id = *m.ID
	}
	return Reply{ID: id, Result: m.Result, Error: m.Error}
}

// AsEvent converts a classified message into an Event frame.
func (m *Message) AsEvent() Event {
	return Event{Method: m.Method, Params: m.Params}
}

// Decode parses one wire frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &m, nil
}

// ResultReply builds a success reply, marshaling v as the result payload.
func ResultReply(id uint64, v any) (Reply, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Reply{ID: id, Result: raw}, nil
}

// ErrorReply builds a failure reply carrying err's message on the wire.
func ErrorReply(id uint64, err error) Reply {
	return Reply{ID: id, Error: &ErrorPayload{Message: err.Error()}}
}

// TargetInfo mirrors the DevTools target descriptor for an attached tab.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// AttachedToTargetParams is the payload of Target.attachedToTarget.
type AttachedToTargetParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

// DetachedFromTargetParams is the payload of Target.detachedFromTarget.
type DetachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// TargetInfoChangedParams is the payload of Target.targetInfoChanged.
type TargetInfoChangedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

// GetTargetsResult is the payload answering Target.getTargets.
type GetTargetsResult struct {
	TargetInfos []TargetInfo `json:"targetInfos"`
}

// AttachToTargetParams is the request payload of Target.attachToTarget.
type AttachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten,omitempty"`
}

// AttachToTargetResult is the payload answering Target.attachToTarget.
type AttachToTargetResult struct {
	SessionID string `json:"sessionId"`
}

// GetTargetInfoParams is the request payload of Target.getTargetInfo.
type GetTargetInfoParams struct {
	TargetID string `json:"targetId,omitempty"`
}

// GetTargetInfoResult is the payload answering Target.getTargetInfo.
type GetTargetInfoResult struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

// VersionResult is the payload answering Browser.getVersion.
type VersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	UserAgent       string `json:"userAgent"`
}

// ExtensionAttachResult is the payload the extension returns for
// Extension.attach.
type ExtensionAttachResult struct {
	Attached int `json:"attached"`
}
