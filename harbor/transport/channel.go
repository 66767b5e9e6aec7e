// Package transport multiplexes request/response traffic over one pair of
// byte streams, matching responses to requests by id and fanning out id-less
// notifications.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/rs/zerolog"
)

// ErrChannelClosed resolves every operation on a channel whose underlying
// streams are gone. Callers distinguish it from a timeout: the channel is
// unusable and the process behind it is dead or dying.
var ErrChannelClosed = errors.New("transport: channel closed")

// Result delivers the outcome of one request: either a wire response or a
// terminal channel error.
type Result struct {
	Response protocol.Response
	Err      error
}

// Options configures a channel.
type Options struct {
	Limits protocol.Limits
	// NotificationBuffer bounds the notification queue; when full, further
	// notifications are dropped with a warning rather than stalling reads.
	NotificationBuffer int
	Logger             zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = 32
	}
	return o
}

// Channel owns the read loop over r and serializes writes to w. IDs are
// monotonic from 1 and never reused for the channel's lifetime; responses
// whose id was never issued are dropped, and responses to abandoned ids are
// discarded silently.
type Channel struct {
	enc    *protocol.Encoder
	logger zerolog.Logger

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan Result
	issued  *roaring.Bitmap
	closed  bool
	reason  error

	notifications chan protocol.Notification
	done          chan struct{}
}

// New starts a channel over the given streams. The read loop runs until r
// fails or returns EOF; closing the channel's writer side is the caller's
// job (it owns the pipes).
func New(r io.Reader, w io.Writer, opts Options) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		enc:           protocol.NewEncoder(w),
		logger:        opts.Logger.With().Str("component", "channel").Logger(),
		nextID:        1,
		pending:       make(map[uint32]chan Result),
		issued:        roaring.New(),
		notifications: make(chan protocol.Notification, opts.NotificationBuffer),
		done:          make(chan struct{}),
	}
	go c.readLoop(protocol.NewDecoder(r, opts.Limits))
	return c
}

// Send issues a request and returns a buffered channel that will receive
// exactly one Result. The caller awaits it under its own deadline and calls
// Abandon when it gives up early.
func (c *Channel) Send(method string, params []byte) (<-chan Result, uint32, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, 0, c.closeErrLocked()
	}
	id := c.nextID
	c.nextID++
	c.issued.Add(id)
	ch := make(chan Result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.enc.WriteRequest(protocol.Request{ID: id, Method: method, Params: params}); err != nil {
		c.fail(fmt.Errorf("write request: %w", err))
		return nil, 0, ErrChannelClosed
	}
	return ch, id, nil
}

// Call is Send plus the await: it resolves with the response, the context
// error, or ErrChannelClosed, abandoning the id on early exit.
func (c *Channel) Call(ctx context.Context, method string, params []byte) (protocol.Response, error) {
	ch, id, err := c.Send(method, params)
	if err != nil {
		return protocol.Response{}, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return protocol.Response{}, res.Err
		}
		return res.Response, nil
	case <-ctx.Done():
		c.Abandon(id)
		return protocol.Response{}, ctx.Err()
	}
}

// Notify emits a fire-and-forget notification.
func (c *Channel) Notify(method string, params []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErrLocked()
	}
	c.mu.Unlock()
	if err := c.enc.WriteNotification(protocol.Notification{Method: method, Params: params}); err != nil {
		c.fail(fmt.Errorf("write notification: %w", err))
		return ErrChannelClosed
	}
	return nil
}

// Abandon gives up on an in-flight request. The id stays marked as issued so
// a late response is discarded quietly instead of being flagged as unknown.
func (c *Channel) Abandon(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Notifications returns the stream of id-less messages from the peer.
func (c *Channel) Notifications() <-chan protocol.Notification {
	return c.notifications
}

// Done is closed when the channel shuts down for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel closed; nil while it is still open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.closeErrLocked()
}

// Close tears the channel down from the caller's side, resolving every
// pending request with ErrChannelClosed. Safe to call more than once.
func (c *Channel) Close() error {
	c.fail(nil)
	return nil
}

func (c *Channel) closeErrLocked() error {
	if c.reason != nil && !errors.Is(c.reason, io.EOF) {
		return fmt.Errorf("%w: %v", ErrChannelClosed, c.reason)
	}
	return ErrChannelClosed
}

// fail marks the channel closed exactly once and force-resolves all pending
// requests so no caller waits on a response that can never arrive.
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = cause
	orphans := c.pending
	c.pending = make(map[uint32]chan Result)
	err := c.closeErrLocked()
	c.mu.Unlock()

	for id, ch := range orphans {
		ch <- Result{Err: err}
		c.logger.Debug().Uint32("id", id).Msg("pending request resolved by channel close")
	}
	close(c.done)
}

func (c *Channel) readLoop(dec *protocol.Decoder) {
	for {
		env, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedLine) {
				c.logger.Warn().Err(err).Msg("skipping malformed line")
				continue
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Warn().Err(err).Msg("read loop terminated")
			}
			c.fail(err)
			return
		}
		switch env.Kind() {
		case protocol.KindResponse:
			c.resolve(env.Response())
		case protocol.KindNotification:
			select {
			case c.notifications <- protocol.Notification{Method: env.Method, Params: env.Params}:
			default:
				c.logger.Warn().Str("method", env.Method).Msg("notification buffer full, dropping")
			}
		case protocol.KindRequest:
			// Peer-initiated requests are not part of the contract.
			c.logger.Warn().Str("method", env.Method).Msg("dropping unexpected peer request")
		}
	}
}

func (c *Channel) resolve(resp protocol.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	wasIssued := c.issued.Contains(resp.ID)
	c.mu.Unlock()

	switch {
	case ok:
		ch <- Result{Response: resp}
	case wasIssued:
		c.logger.Debug().Uint32("id", resp.ID).Msg("discarding late response for abandoned request")
	default:
		c.logger.Warn().Uint32("id", resp.ID).Msg("dropping response with unknown id")
	}
}
