package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeConn is an in-memory Conn recording everything written to it.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// envelopes decodes every message written to the connection.
func (c *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Envelope, 0, len(c.messages))
	for _, raw := range c.messages {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// types returns the message types written to the connection, in order.
func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	envs := c.envelopes(t)
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}
