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

// ErrEncoding wraps failures to serialise an outgoing message.
var ErrEncoding = errors.New("ipc: encoding failure")

// ErrDecoding wraps failures to parse an incoming line. Readers log and skip
// such lines.
var ErrDecoding = errors.New("ipc: decoding failure")

// UnexpectedKindError reports an envelope whose type is not part of the
// protocol, or a reply whose kind does not match what the request expects.
// It is a decoding failure.
type UnexpectedKindError struct {
	Kind     Kind
	Expected []Kind
}

func (e *UnexpectedKindError) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("ipc: unexpected message kind %q", e.Kind)
	}
	return fmt.Sprintf("ipc: unexpected message kind %q (want one of %v)", e.Kind, e.Expected)
}

// Is makes errors.Is(err, ErrDecoding) true.
func (e *UnexpectedKindError) Is(target error) bool { return target == ErrDecoding }

// MaxLineBytes bounds a single envelope. Audio frames are the largest
// messages; a second of 48 kHz float32 samples is well under 1 MiB in base64.
// A longer line is not skipped like a malformed one: [Reader.Next] returns a
// read error wrapping [bufio.ErrTooLong] and the stream cannot be resumed.
const MaxLineBytes = 32 << 20

// Envelope is the framing object written on every line.
type Envelope struct {
	Type    Kind            `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serialises msg with request id into one newline-terminated line.
func Encode(msg Message, id uint64) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrEncoding)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrEncoding, msg.Kind(), err)
	}
	line, err := json.Marshal(Envelope{Type: msg.Kind(), ID: id, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: %s envelope: %v", ErrEncoding, msg.Kind(), err)
	}
	return append(line, '\n'), nil
}

// Decode parses a single line (with or without its trailing newline) into a
// typed message and the envelope id.
func Decode(line []byte) (Message, uint64, error) {
	line = bytes.TrimSpace(line)
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, 0, fmt.Errorf("%w: envelope: %v", ErrDecoding, err)
	}
	if env.Type == "" {
		return nil, env.ID, fmt.Errorf("%w: envelope has no type", ErrDecoding)
	}
	msg, ok := New(env.Type)
	if !ok {
		return nil, env.ID, &UnexpectedKindError{Kind: env.Type}
	}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, env.ID, fmt.Errorf("%w: %s payload: %v", ErrDecoding, env.Type, err)
		}
	}
	return msg, env.ID, nil
}

// Writer serialises messages onto an io.Writer. Concurrent Write calls never
// interleave within a line.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes msg and writes the whole line, retrying short writes.
func (w *Writer) Write(msg Message, id uint64) error {
	line, err := Encode(msg, id)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeFull(w.w, line)
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err != nil {
			return fmt.Errorf("ipc: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("ipc: write: %w", io.ErrShortWrite)
		}
	}
	return nil
}

// Reader yields messages from newline-delimited input, buffering across
// partial reads.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// Next returns the next message. At end of input it returns io.EOF; a broken
// stream or a line over [MaxLineBytes] returns a read error that ends the
// stream. A malformed line yields an error wrapping [ErrDecoding], after which
// Next may be called again.
func (r *Reader) Next() (Message, uint64, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := r.sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("ipc: read: %w", err)
	}
	return nil, 0, io.EOF
}
