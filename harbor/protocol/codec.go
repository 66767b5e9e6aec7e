package protocol

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
	// ErrLineTooLong is terminal: once a peer overruns the line limit the
	// stream offset is unrecoverable and the channel must close.
	ErrLineTooLong = errors.New("protocol: line exceeds limit")

	// ErrMalformedLine marks a line that is not valid JSON or fits no wire
	// shape. It is recoverable; the reader may skip the line and continue.
	ErrMalformedLine = errors.New("protocol: malformed line")
)

// Limits bounds what the codec will accept from a peer.
type Limits struct {
	// MaxLineBytes caps a single wire line, delimiter included.
	MaxLineBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxLineBytes: 1 << 20}
}

func (l Limits) withDefaults() Limits {
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = DefaultLimits().MaxLineBytes
	}
	return l
}

// Encoder writes wire messages one per line. It is safe for concurrent use;
// each message is written and flushed atomically.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps w in a line-oriented message writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

func (e *Encoder) writeLine(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// WriteRequest emits a request line.
func (e *Encoder) WriteRequest(req Request) error {
	return e.writeLine(req)
}

// WriteResult emits a success response for id.
func (e *Encoder) WriteResult(id uint32, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("protocol: encode result: %w", err)
	}
	return e.writeLine(Response{ID: id, Result: raw})
}

// WriteError emits an error response for id.
func (e *Encoder) WriteError(id uint32, kind, message string) error {
	return e.writeLine(Response{ID: id, Error: &ErrorInfo{Kind: kind, Message: message}})
}

// WriteNotification emits an id-less notification line.
func (e *Encoder) WriteNotification(n Notification) error {
	return e.writeLine(n)
}

// Decoder reads wire messages one line at a time, reassembling lines that
// arrive split across reads.
type Decoder struct {
	sc     *bufio.Scanner
	limits Limits
}

// NewDecoder wraps r in a line-oriented message reader.
func NewDecoder(r io.Reader, limits Limits) *Decoder {
	limits = limits.withDefaults()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), limits.MaxLineBytes)
	return &Decoder{sc: sc, limits: limits}
}

// Next returns the next non-empty line as an envelope. A line that is not
// valid JSON yields an error wrapping ErrMalformedLine and the decoder stays
// usable. io.EOF and ErrLineTooLong are terminal.
func (d *Decoder) Next() (*Envelope, error) {
	for d.sc.Scan() {
		raw := bytes.TrimSpace(d.sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		// Copy before decoding: RawMessage fields alias the backing slice,
		// and the scanner reuses its buffer on the next Scan.
		line := append([]byte(nil), raw...)
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
		}
		if env.Kind() == KindInvalid {
			return nil, fmt.Errorf("%w: no wire shape matches", ErrMalformedLine)
		}
		return &env, nil
	}
	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	return nil, io.EOF
}
