// Package stream decodes the Mind backend's incremental response framing
// into a closed set of typed events.
//
// The wire format is one frame per line: the literal prefix "data: " followed
// by either the terminator token "[DONE]" or a JSON payload. Lines without
// the prefix are keep-alives and carry nothing. Frames are discriminated by
// an explicit "type" field where present, otherwise by field presence; the
// discrimination happens here, once, so downstream consumers switch over a
// sum type instead of re-inspecting raw JSON.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const (
	dataPrefix = "data: "
	doneToken  = "[DONE]"

	maxLineSize = 1 << 20
)

// Event is one decoded frame. The concrete types below are the full set.
type Event interface{ event() }

// Text is an incremental token of assistant reply content.
type Text struct {
	Text string
}

// SessionID announces the backend-assigned session identifier, emitted early
// in a stream for sessions that did not previously exist.
type SessionID struct {
	ID string
}

// Failure is an application-level error reported in-band. It is a normal
// event, not a transport fault: the stream machinery delivers it and the
// consumer decides how to recover.
type Failure struct {
	Message string
}

// Narration is display-only progress text from the extraction phase. It is
// never persisted as a conversation message.
type Narration struct {
	Text string
}

// PhaseChange names the extraction sub-phase now in progress. Consumers
// reset any in-progress narration display when they see one.
type PhaseChange struct {
	Phase string
}

// Complete signals the end of extraction with the number of proposals made.
type Complete struct {
	ProposalCount int
}

func (Text) event()        {}
func (SessionID) event()   {}
func (Failure) event()     {}
func (Narration) event()   {}
func (PhaseChange) event() {}
func (Complete) event()    {}

// Decoder turns one open response body into a lazy, finite, non-restartable
// sequence of events. An incomplete trailing line is buffered across chunk
// boundaries, so the decoded sequence is identical no matter where the
// transport splits its chunks.
type Decoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewDecoder wraps r, typically a streaming HTTP response body.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: sc}
}

// Next returns the next event. It returns io.EOF once the terminator token
// has been seen or the underlying body ends, and the transport's read error
// if one occurs. After a non-nil error the decoder is exhausted.
func (d *Decoder) Next() (Event, error) {
	if d.done {
		return nil, io.EOF
	}
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		payload, ok := strings.CutPrefix(line, dataPrefix)
		if !ok {
			// Keep-alive or comment line.
			continue
		}
		if strings.TrimSpace(payload) == doneToken {
			d.done = true
			return nil, io.EOF
		}
		ev, ok := decodeFrame([]byte(payload))
		if !ok {
			// The transport guarantees a payload is never split across
			// frames, so an undecodable payload means the framing was
			// violated upstream. Skip it rather than fail the stream.
			continue
		}
		return ev, nil
	}
	d.done = true
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// frame is the superset of fields any payload may carry.
type frame struct {
	Type           string  `json:"type,omitempty"`
	Text           *string `json:"text,omitempty"`
	ConversationID *string `json:"conversationId,omitempty"`
	SessionID      *string `json:"sessionId,omitempty"`
	Error          *string `json:"error,omitempty"`
	Phase          *string `json:"phase,omitempty"`
	ProposalCount  *int    `json:"proposalCount,omitempty"`
}

func decodeFrame(payload []byte) (Event, bool) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, false
	}

	switch f.Type {
	case "narration":
		if f.Text == nil {
			return nil, false
		}
		return Narration{Text: *f.Text}, true
	case "phase":
		if f.Phase == nil {
			return nil, false
		}
		return PhaseChange{Phase: *f.Phase}, true
	case "complete":
		count := 0
		if f.ProposalCount != nil {
			count = *f.ProposalCount
		}
		return Complete{ProposalCount: count}, true
	case "error":
		if f.Error == nil {
			return nil, false
		}
		return Failure{Message: *f.Error}, true
	case "":
		// Untagged frame: discriminate by field presence.
	default:
		return nil, false
	}

	switch {
	case f.Error != nil:
		return Failure{Message: *f.Error}, true
	case f.Text != nil:
		return Text{Text: *f.Text}, true
	case f.ConversationID != nil:
		return SessionID{ID: *f.ConversationID}, true
	case f.SessionID != nil:
		return SessionID{ID: *f.SessionID}, true
	}
	return nil, false
}
