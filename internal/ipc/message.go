// Package ipc implements the line-delimited JSON protocol spoken between a
// service host and its child process.
//
// Each message is one JSON object terminated by a newline. The parent writes
// requests to the child's stdin; the child writes events and responses to its
// stdout. Responses are correlated to requests by id.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/nodus/internal/faults"
)

type Type string

const (
	TypeRequest  Type = "request"
	TypeEvent    Type = "event"
	TypeResponse Type = "response"
)

// Request subjects understood by a child.
const (
	SubjectStart = "start"
	SubjectStop  = "stop"
	SubjectRun   = "run"
)

// Message is the envelope for every protocol message.
type Message struct {
	Type    Type            `json:"type"`
	Subject string          `json:"subject,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *faults.Object  `json:"error,omitempty"`
}

// RunRequest is the data of a run request.
type RunRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

func NewRequest(subject, id string, data any) (Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Message{}, fmt.Errorf("request %s: %w", subject, err)
	}
	return Message{Type: TypeRequest, Subject: subject, ID: id, Data: raw}, nil
}

func NewEvent(subject string, data any) (Message, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Message{}, fmt.Errorf("event %s: %w", subject, err)
	}
	return Message{Type: TypeEvent, Subject: subject, Data: raw}, nil
}

// NewResponse answers request id with either data or a coded error. An
// unencodable result becomes an INTERNAL_ERROR response.
func NewResponse(id string, data any, err error) Message {
	msg := Message{Type: TypeResponse, ID: id}
	if err != nil {
		msg.Error = faults.As(err).Object()
		return msg
	}
	raw, encErr := encodeData(data)
	if encErr != nil {
		msg.Error = faults.Wrap(faults.Internal, nil, encErr).Object()
		return msg
	}
	msg.Data = raw
	return msg
}

// Err returns the response error, or nil.
func (m Message) Err() error {
	if m.Error == nil {
		return nil
	}
	return faults.FromObject(m.Error)
}

// DecodeData unmarshals the message data into out. Empty data leaves out
// untouched.
func (m Message) DecodeData(out any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, out)
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(data)
}
