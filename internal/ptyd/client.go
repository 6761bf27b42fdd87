package ptyd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client is a control-channel client for callers outside the daemon's own
// process (spec §6: "new clients re-attach and subscribe from the current
// state" after a disconnect — Client reconnects are the caller's
// responsibility; this type wraps one live connection).
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	closed atomic.Bool
}

// Dial connects to a daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		pending: map[string]chan Frame{},
	}
	c.scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for c.scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(c.scanner.Bytes(), &f); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- f
		}
	}
	c.closed.Store(true)
}

// Call issues a request and blocks for its response.
func (c *Client) Call(op string, params any, out any) error {
	id := uuid.NewString()
	paramData, err := json.Marshal(params)
	if err != nil {
		return err
	}
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := Frame{ID: id, Op: op, Params: paramData}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	resp := <-ch
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", op, resp.Error)
	}
	if out != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, out)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
