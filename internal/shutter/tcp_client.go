package shutter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/archonctl/goarchon/internal/archonerr"
)

// TCPClient is a line-oriented reference implementation of Actor: it sends
// "OPEN\n"/"CLOSE\n" and reads lines until one carries a "shutter=" field,
// matching the actor RPC surface described for this device family.
type TCPClient struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPClient returns a client that dials addr lazily on first use.
func NewTCPClient(addr string, timeout time.Duration) *TCPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPClient{addr: addr, timeout: timeout}
}

func (c *TCPClient) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return archonerr.Wrap(archonerr.ShutterFailed, err, "dialing shutter actor %s", c.addr)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// Disconnect releases the underlying connection, if any.
func (c *TCPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCPClient) Open(ctx context.Context) (State, error) {
	return c.command(ctx, "OPEN")
}

func (c *TCPClient) Close(ctx context.Context) (State, error) {
	return c.command(ctx, "CLOSE")
}

func (c *TCPClient) command(ctx context.Context, verb string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return "", err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if _, err := fmt.Fprintf(c.conn, "%s\n", verb); err != nil {
		c.conn = nil
		return "", archonerr.Wrap(archonerr.ShutterFailed, err, "writing %s", verb)
	}

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			c.conn = nil
			return "", archonerr.Wrap(archonerr.ShutterFailed, err, "reading %s reply", verb)
		}
		line = strings.TrimSpace(line)
		if state, ok := extractShutterField(line); ok {
			return state, nil
		}
	}
}

func extractShutterField(line string) (State, bool) {
	for _, field := range strings.Fields(line) {
		key, value, found := strings.Cut(field, "=")
		if !found || !strings.EqualFold(key, "shutter") {
			continue
		}
		return State(strings.ToLower(value)), true
	}
	return "", false
}
