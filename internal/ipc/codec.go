package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrMessageTooLarge = errors.New("ipc message too large")
	ErrMalformed       = errors.New("ipc message malformed")
)

// Limits constrains decode/encode memory use.
type Limits struct {
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 8 * 1024 * 1024}
}

// Encoder writes messages. Writes are serialized, so one encoder can be
// shared by concurrent senders.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	limits Limits
}

func NewEncoder(w io.Writer, limits Limits) *Encoder {
	if limits.MaxMessageBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Encoder{w: w, limits: limits}
}

func (e *Encoder) Encode(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if len(raw) > e.limits.MaxMessageBytes {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(raw))
	}
	raw = append(raw, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads messages one line at a time.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader, limits Limits) *Decoder {
	if limits.MaxMessageBytes <= 0 {
		limits = DefaultLimits()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), limits.MaxMessageBytes+1)
	return &Decoder{scanner: sc}
}

// Decode returns the next message. Blank lines are skipped. io.EOF marks a
// clean end of stream. A malformed line returns ErrMalformed and the decoder
// stays usable; an oversized line is fatal.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if msg.Type == "" {
			return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Message{}, ErrMessageTooLarge
		}
		return Message{}, err
	}
	return Message{}, io.EOF
}
