package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// maxFrameBytes bounds reassembly of a multi-line JSON value. A backend
// that emits more than this without completing a value is misbehaving.
const maxFrameBytes = 16 << 20

// Conn is the JSON-RPC session over one child process's pipes. A single
// read loop dispatches replies, so replies from one backend are observed
// in arrival order. Conn is safe for concurrent Call/Notify.
type Conn struct {
	name   string
	stdin  io.WriteCloser
	stdout io.ReadCloser

	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *Message
	closed  bool
	reason  error

	done chan struct{}
}

// NewConn wraps a child process's pipes and starts the read loop. The
// caller keeps ownership of the process itself; Close only tears down the
// session.
func NewConn(name string, stdin io.WriteCloser, stdout io.ReadCloser) *Conn {
	c := &Conn{
		name:    name,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Name returns the backend name this connection serves.
func (c *Conn) Name() string {
	return c.name
}

// Done is closed when the session terminates for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and waits for its reply. The request is assigned a
// connection-local id; whatever id the caller used upstream never reaches
// the backend. A backend error reply is returned verbatim as *ErrorObject.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	// Buffered so the read loop never blocks on a slow caller.
	reply := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrBackendUnavailable, c.name, reason)
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: %s: writing request: %v", gateway.ErrBackendUnavailable, c.name, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %s did not answer in time", gateway.ErrTimeout, c.name, method)
		}
		return nil, fmt.Errorf("%s: %s canceled: %w", c.name, method, ctx.Err())
	case <-c.done:
		c.mu.Lock()
		reason := c.reason
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", gateway.ErrBackendUnavailable, c.name, reason)
	case resp := <-reply:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a notification; no reply is expected.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("%w: %s: writing notification: %v", gateway.ErrBackendUnavailable, c.name, err)
	}
	return nil
}

// Close terminates the session. Every in-flight call fails with a terminal
// error naming the reason; reason must describe why the session ended.
func (c *Conn) Close(reason error) {
	if reason == nil {
		reason = errors.New("connection closed")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	orphans := c.pending
	c.pending = make(map[int64]chan *Message)
	c.mu.Unlock()

	close(c.done)
	_ = c.stdin.Close()
	_ = c.stdout.Close()

	// Channels are buffered; draining callers see done closed anyway.
	for id := range orphans {
		logger.Debugf("Backend %s: abandoning in-flight call %d: %v", c.name, id, reason)
	}
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// write frames one message as a single newline-terminated line. The write
// lock keeps concurrent frames from interleaving.
func (c *Conn) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// readLoop accumulates stdout into a buffer, splits complete lines, and
// reassembles JSON values that a backend pretty-printed across lines.
// Lines that are not JSON at all (npm install chatter, banners) are
// skipped without failing the session.
func (c *Conn) readLoop() {
	var buffer bytes.Buffer
	var partial bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		n, err := c.stdout.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])
			c.drainLines(&buffer, &partial)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(fmt.Errorf("backend closed stdout"))
			} else {
				c.Close(fmt.Errorf("reading backend stdout: %w", err))
			}
			return
		}
	}
}

func (c *Conn) drainLines(buffer, partial *bytes.Buffer) {
	for {
		line, err := buffer.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next read.
			buffer.WriteString(line)
			return
		}
		c.consumeLine(strings.TrimRight(line, "\r\n"), partial)
	}
}

// consumeLine feeds one complete line into the frame reassembler.
func (c *Conn) consumeLine(line string, partial *bytes.Buffer) {
	if partial.Len() == 0 {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return
		}
		if trimmed[0] != '{' {
			logger.Debugf("Backend %s: skipping non-protocol output: %s", c.name, line)
			return
		}
		if c.tryDispatch([]byte(trimmed)) {
			return
		}
		partial.WriteString(line)
		return
	}

	partial.WriteString("\n")
	partial.WriteString(line)
	if c.tryDispatch(partial.Bytes()) {
		partial.Reset()
		return
	}
	// A brace-prefixed diagnostic line can open a partial that will never
	// complete. A line that parses on its own proves the partial is noise,
	// not a frame prefix.
	trimmed := strings.TrimSpace(line)
	if trimmed != "" && trimmed[0] == '{' && c.tryDispatch([]byte(trimmed)) {
		logger.Debugf("Backend %s: discarding unparseable partial frame", c.name)
		partial.Reset()
		return
	}
	if partial.Len() > maxFrameBytes {
		logger.Warnf("Backend %s: discarding oversized partial frame (%d bytes)", c.name, partial.Len())
		partial.Reset()
	}
}

// tryDispatch parses and routes a candidate frame. Returns false when the
// bytes are not yet a complete JSON value.
func (c *Conn) tryDispatch(data []byte) bool {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	c.dispatch(&msg)
	return true
}

func (c *Conn) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		id, ok := responseID(msg.ID)
		if !ok {
			logger.Warnf("Backend %s: response with non-numeric id %v", c.name, msg.ID)
			return
		}
		c.mu.Lock()
		reply, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			logger.Debugf("Backend %s: response for unknown id %d", c.name, id)
			return
		}
		reply <- msg
	case msg.IsNotification():
		// Server-initiated notifications carry no routing obligation.
		logger.Debugf("Backend %s: notification %s", c.name, msg.Method)
	default:
		logger.Debugf("Backend %s: ignoring unexpected message (method=%q id=%v)", c.name, msg.Method, msg.ID)
	}
}
