package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const defaultMaxPayloadBytes = 8 * 1024

// Handler applies a valid report.
type Handler func(Report)

// Collector receives worker reports on a unixgram socket and passes valid
// ones to a handler. Malformed, invalid or oversized datagrams are dropped
// and counted.
type Collector struct {
	handler Handler
	path    string

	MaxPayloadBytes int
	Logger          *slog.Logger

	dropped atomic.Int64

	once sync.Once
	conn *net.UnixConn
	done chan struct{}
}

func NewCollector(handler Handler, socketPath string) *Collector {
	return &Collector{
		handler:         handler,
		path:            socketPath,
		MaxPayloadBytes: defaultMaxPayloadBytes,
		done:            make(chan struct{}),
	}
}

// SocketPath returns the socket the collector listens on.
func (c *Collector) SocketPath() string {
	return c.path
}

// Dropped returns how many datagrams were discarded.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Done is closed once the read loop has exited.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Start binds the socket and reads until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("handler is required")
	}
	if c.path == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	conn, err := listenPrivate(c.path)
	if err != nil {
		return err
	}
	c.conn = conn

	go func() {
		<-ctx.Done()
		c.close()
	}()
	go c.readLoop(ctx)
	return nil
}

// listenPrivate binds a unixgram socket only the current user can reach.
// A stale socket file from a previous run is replaced.
func listenPrivate(path string) (*net.UnixConn, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen unixgram: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return conn, nil
}

func (c *Collector) readLoop(ctx context.Context) {
	defer close(c.done)
	buf := make([]byte, c.MaxPayloadBytes)
	for {
		n, _, err := c.conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.Logger.Debug("read report", "err", err)
			continue
		}
		r, err := c.decode(buf[:n])
		if err != nil {
			c.dropped.Add(1)
			c.Logger.Debug("dropping report", "err", err)
			continue
		}
		c.handler(r)
	}
}

// decode parses and validates one datagram. A datagram that fills the
// whole buffer may have been truncated and is rejected.
func (c *Collector) decode(payload []byte) (Report, error) {
	var r Report
	switch {
	case len(payload) == 0:
		return r, fmt.Errorf("empty datagram")
	case len(payload) >= c.MaxPayloadBytes:
		return r, fmt.Errorf("datagram exceeds %d bytes", c.MaxPayloadBytes)
	}
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, fmt.Errorf("malformed report: %w", err)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

func (c *Collector) close() {
	c.once.Do(func() {
		_ = c.conn.Close()
		_ = os.Remove(c.path)
	})
}

// Send writes one report to the collector at socketPath. It fails when no
// collector is listening.
func Send(socketPath string, r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if len(payload) >= defaultMaxPayloadBytes {
		return fmt.Errorf("report too large (%d bytes)", len(payload))
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dial collector: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}
