package service

import (
	"encoding/json"
	"fmt"
)

// streamEvent is the decoded form of one UIMessage stream data line.
// Only the fields the assembler needs are mapped; everything else is
// carried through untouched inside Input/Output.
type streamEvent struct {
	Type       string          `json:"type"`
	MessageID  string          `json:"messageId,omitempty"`
	ID         string          `json:"id,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// messagePart is one typed block of an assistant message as persisted in
// Message.Parts. Text and reasoning blocks carry the stream's block id so
// the UI can replay deltas against the right block; tool blocks are keyed
// by toolCallId.
type messagePart struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Text       string          `json:"text,omitempty"`
	State      string          `json:"state,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// messageAssembler folds a UIMessage stream into the parts array of one
// assistant message. Parts keep the order blocks were opened in; deltas
// append to their block in place. The assembler is not safe for concurrent
// use; each completion relay owns one.
type messageAssembler struct {
	messageID string
	parts     []*messagePart
	byKey     map[string]*messagePart // block id or toolCallId → part

	finished  bool
	streamErr string
}

func newMessageAssembler(messageID string) *messageAssembler {
	return &messageAssembler{
		messageID: messageID,
		byKey:     make(map[string]*messagePart),
	}
}

// apply folds one stream event into the message. The returned flush flag is
// true at block boundaries (start/end/tool transitions/finish) where the
// accumulated state is worth persisting; deltas only mutate memory.
func (a *messageAssembler) apply(data string) (flush bool, err error) {
	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return false, fmt.Errorf("malformed stream event: %w", err)
	}

	switch ev.Type {
	case "start":
		// The sandbox may assign the assistant message id; adopt it so
		// replays from the sandbox and rows in the store agree.
		if ev.MessageID != "" {
			a.messageID = ev.MessageID
		}
		return false, nil

	case "text-start":
		a.openBlock("text", ev.ID)
		return true, nil

	case "text-delta":
		a.appendDelta("text", ev.ID, ev.Delta)
		return false, nil

	case "text-end":
		a.closeBlock(ev.ID)
		return true, nil

	case "reasoning-start":
		a.openBlock("reasoning", ev.ID)
		return true, nil

	case "reasoning-delta":
		a.appendDelta("reasoning", ev.ID, ev.Delta)
		return false, nil

	case "reasoning-end":
		a.closeBlock(ev.ID)
		return true, nil

	case "tool-input-start":
		part := &messagePart{
			Type:       "tool-" + ev.ToolName,
			ToolCallID: ev.ToolCallID,
			State:      "input-streaming",
		}
		a.parts = append(a.parts, part)
		a.byKey[ev.ToolCallID] = part
		return true, nil

	case "tool-input-available":
		part := a.toolPart(ev.ToolCallID, ev.ToolName)
		part.State = "input-available"
		part.Input = ev.Input
		return true, nil

	case "tool-output-available":
		part := a.toolPart(ev.ToolCallID, "")
		part.State = "output-available"
		part.Output = ev.Output
		return true, nil

	case "tool-output-error":
		part := a.toolPart(ev.ToolCallID, "")
		part.State = "output-error"
		part.ErrorText = ev.ErrorText
		return true, nil

	case "error":
		a.streamErr = ev.ErrorText
		if a.streamErr == "" {
			a.streamErr = "stream error"
		}
		return true, nil

	case "finish":
		a.finished = true
		for _, p := range a.parts {
			if p.State == "streaming" {
				p.State = "done"
			}
		}
		return true, nil

	default:
		// Forward-compatible: unknown event types are ignored.
		return false, nil
	}
}

// openBlock starts a new text or reasoning block. A duplicate start for an
// already-open block id is a no-op so replayed events stay idempotent.
func (a *messageAssembler) openBlock(partType, id string) {
	if _, ok := a.byKey[id]; ok {
		return
	}
	part := &messagePart{Type: partType, ID: id, State: "streaming"}
	a.parts = append(a.parts, part)
	a.byKey[id] = part
}

// appendDelta appends delta text to an open block, opening it implicitly if
// the start event was lost.
func (a *messageAssembler) appendDelta(partType, id, delta string) {
	part, ok := a.byKey[id]
	if !ok {
		a.openBlock(partType, id)
		part = a.byKey[id]
	}
	part.Text += delta
}

func (a *messageAssembler) closeBlock(id string) {
	if part, ok := a.byKey[id]; ok {
		part.State = "done"
	}
}

// toolPart returns the tool part for a call id, creating one if the input
// start event was never observed.
func (a *messageAssembler) toolPart(toolCallID, toolName string) *messagePart {
	if part, ok := a.byKey[toolCallID]; ok {
		return part
	}
	name := toolName
	if name == "" {
		name = "unknown"
	}
	part := &messagePart{
		Type:       "tool-" + name,
		ToolCallID: toolCallID,
		State:      "input-streaming",
	}
	a.parts = append(a.parts, part)
	a.byKey[toolCallID] = part
	return part
}

// empty reports whether no content has arrived yet.
func (a *messageAssembler) empty() bool {
	return len(a.parts) == 0
}

// snapshot marshals the current parts array for persistence.
func (a *messageAssembler) snapshot() (json.RawMessage, error) {
	return json.Marshal(a.parts)
}
