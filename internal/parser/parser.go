// Package parser classifies raw model output as either a plain message or a
// directive call. The output is not guaranteed to be clean JSON: it may be a
// result envelope (possibly wrapping another envelope), an array of content
// blocks, or free text with a directive object embedded somewhere inside.
package parser

import (
	"encoding/json"
	"strings"
)

const (
	// DirectiveType is the type tag of a directive object.
	DirectiveType = "tool_call"
	// EmptyPlaceholder replaces a message that carried no content.
	EmptyPlaceholder = "(no response)"

	resultType  = "result"
	messageType = "message"

	// an envelope's payload may itself be an envelope, but no deeper
	maxEnvelopeDepth = 2
)

type Kind int

const (
	KindMessage Kind = iota
	KindDirective
)

func (k Kind) String() string {
	if k == KindDirective {
		return "directive"
	}
	return "message"
}

// Message is a plain reply. Text is never empty after Parse.
type Message struct {
	Text      string
	SessionID string
}

// DirectiveCall asks the action executor to run Action with Args.
type DirectiveCall struct {
	Action    string
	Args      map[string]any
	SessionID string
}

// Result is exactly one of Message or DirectiveCall.
type Result struct {
	kind      Kind
	message   Message
	directive DirectiveCall
}

func NewMessage(text, sessionID string) Result {
	return Result{kind: KindMessage, message: Message{Text: text, SessionID: sessionID}}
}

func NewDirective(call DirectiveCall) Result {
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return Result{kind: KindDirective, directive: call}
}

func (r Result) Kind() Kind { return r.kind }

func (r Result) IsDirective() bool { return r.kind == KindDirective }

func (r Result) Message() (Message, bool) {
	return r.message, r.kind == KindMessage
}

func (r Result) Directive() (DirectiveCall, bool) {
	return r.directive, r.kind == KindDirective
}

// SessionID returns the session token carried by either variant.
func (r Result) SessionID() string {
	if r.kind == KindDirective {
		return r.directive.SessionID
	}
	return r.message.SessionID
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{"kind": r.kind.String()}
	if sid := r.SessionID(); sid != "" {
		out["session_id"] = sid
	}
	if r.kind == KindDirective {
		out["action"] = r.directive.Action
		out["args"] = r.directive.Args
	} else {
		out["text"] = r.message.Text
	}
	return json.Marshal(out)
}

// Parse never fails: anything it cannot classify becomes a Message.
func Parse(raw string) Result {
	return parse(raw, "", 0)
}

func parse(raw, sessionID string, depth int) Result {
	text := strings.TrimSpace(raw)

	var v any
	if text != "" && json.Unmarshal([]byte(text), &v) == nil {
		switch t := v.(type) {
		case map[string]any:
			if sid, ok := t["session_id"].(string); ok && sid != "" {
				sessionID = sid
			}
			if payload, ok := envelopePayload(t); ok && depth < maxEnvelopeDepth {
				return parse(payload, sessionID, depth+1)
			}
			if call, ok := directiveFromMap(t); ok {
				call.SessionID = sessionID
				return NewDirective(call)
			}
			if body, ok := messageFromMap(t); ok {
				return NewMessage(normalize(body), sessionID)
			}

		case []any:
			for _, item := range t {
				m, ok := item.(map[string]any)
				if !ok || depth >= maxEnvelopeDepth {
					continue
				}
				if payload, ok := envelopePayload(m); ok {
					if sid, ok := m["session_id"].(string); ok && sid != "" {
						sessionID = sid
					}
					return parse(payload, sessionID, depth+1)
				}
			}
			if joined, ok := textBlocks(t); ok {
				text = joined
			}

		case string:
			text = t
		}
	}

	return fromText(text, sessionID)
}

func fromText(text, sessionID string) Result {
	clean := StripANSI(text)
	if call, ok := ScanDirective(clean); ok {
		if call.SessionID == "" {
			call.SessionID = sessionID
		}
		return NewDirective(call)
	}
	return NewMessage(normalize(clean), sessionID)
}

func normalize(body string) string {
	body = strings.TrimSpace(StripANSI(body))
	if body == "" {
		return EmptyPlaceholder
	}
	return body
}

func envelopePayload(m map[string]any) (string, bool) {
	if m["type"] != resultType {
		return "", false
	}
	payload, ok := m["result"].(string)
	return payload, ok
}

func directiveFromMap(m map[string]any) (DirectiveCall, bool) {
	if m["type"] != DirectiveType {
		return DirectiveCall{}, false
	}
	action, ok := m["tool"].(string)
	if !ok || strings.TrimSpace(action) == "" {
		return DirectiveCall{}, false
	}

	args := map[string]any{}
	if raw, present := m["args"]; present && raw != nil {
		obj, ok := raw.(map[string]any)
		if !ok {
			return DirectiveCall{}, false
		}
		args = obj
	}

	call := DirectiveCall{Action: action, Args: args}
	if sid, ok := m["session_id"].(string); ok {
		call.SessionID = sid
	}
	return call, true
}

func messageFromMap(m map[string]any) (string, bool) {
	if m["type"] != messageType {
		return "", false
	}
	if s, ok := m["text"].(string); ok {
		return s, true
	}
	if s, ok := m["content"].(string); ok {
		return s, true
	}
	return "", true
}

// textBlocks concatenates {"type":"text"} blocks, including those nested in
// {"type":"assistant","message":{"content":[...]}} events, in array order.
func textBlocks(items []any) (string, bool) {
	var sb strings.Builder
	found := false

	var visit func(m map[string]any)
	visit = func(m map[string]any) {
		switch m["type"] {
		case "text":
			if s, ok := m["text"].(string); ok {
				sb.WriteString(s)
				found = true
			}
		case "assistant":
			msg, _ := m["message"].(map[string]any)
			content, _ := msg["content"].([]any)
			for _, c := range content {
				if cm, ok := c.(map[string]any); ok {
					visit(cm)
				}
			}
		}
	}

	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			visit(m)
		}
	}

	return sb.String(), found
}

func decodeDirective(candidate string) (DirectiveCall, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(candidate), &m); err != nil {
		return DirectiveCall{}, false
	}
	return directiveFromMap(m)
}
