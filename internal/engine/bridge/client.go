package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/stereoforge/pairbatch/internal/logging"
)

// ErrClosed is returned for calls made after the transport went away.
var ErrClosed = errors.New("engine worker connection closed")

// maxLine bounds a single response line.
const maxLine = 16 << 20

// Client multiplexes requests over one JSON-lines connection. Responses are
// matched to callers by id, so a slow call never blocks the reader.
type Client struct {
	Logger *slog.Logger

	conn io.ReadWriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Response
	err     error

	done chan struct{}
}

// NewClient starts reading responses from conn.
func NewClient(conn io.ReadWriteCloser, logger *slog.Logger) *Client {
	c := &Client{
		Logger:  logger,
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

func (c *Client) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			c.logger().Warn("discarding malformed worker response", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger().Debug("response for unknown request", "id", resp.ID)
			continue
		}
		ch <- resp
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
}

// shutdown fails every pending call with err.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends op and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, op, unit string, args, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := Request{Op: op, Unit: unit}
	if args != nil {
		payload, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s arguments: %w", op, err)
		}
		req.Args = payload
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return fmt.Errorf("send %s: %w: %w", op, ErrClosed, err)
	}

	select {
	case <-ctx.Done():
		c.forget(req.ID)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		if !resp.OK {
			return &RemoteError{Op: op, Unit: unit, Code: resp.Code, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", op, err)
			}
		}
		return nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the transport and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}
