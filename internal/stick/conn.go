package stick

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the stick's fixed line speed.
const DefaultBaud = 38400

const dialTimeout = 5 * time.Second

var (
	// ErrClosed is returned by Send when the connection is closed or was never opened.
	ErrClosed = errors.New("stick: connection closed")
	// ErrNoResponse is returned by Send when the stick did not answer in time.
	// It does not indicate a broken link.
	ErrNoResponse = errors.New("stick: no response")
)

// ConnectError reports a failure to open or configure the port.
type ConnectError struct {
	Port string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("stick: connect %s: %v", e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Port is the byte stream to the stick.
type Port interface {
	io.ReadWriteCloser
}

// PortOpener opens a port by name.
type PortOpener func(name string, baud int) (Port, error)

// OpenPort opens a serial device at baud, 8N1. Names of the form
// tcp://host:port or host:port dial a network serial bridge instead.
func OpenPort(name string, baud int) (Port, error) {
	if addr, ok := tcpAddress(name); ok {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func tcpAddress(name string) (string, bool) {
	if strings.HasPrefix(name, "tcp://") {
		return strings.TrimPrefix(name, "tcp://"), true
	}
	if strings.Contains(name, "/") || strings.Contains(name, `\`) {
		return "", false
	}
	if _, _, err := net.SplitHostPort(name); err == nil {
		return name, true
	}
	return "", false
}

// Conn is one link to the stick. Send runs a single request/response
// transaction at a time. A Conn may be reopened after Close.
type Conn struct {
	name   string
	baud   int
	open   PortOpener
	logger *slog.Logger

	// onInvalid receives frame decode errors from the reader goroutine.
	onInvalid func(error)

	txMu sync.Mutex

	mu        sync.Mutex
	port      Port
	done      chan struct{}
	broken    chan struct{}
	brokenErr error
	waiting   chan *Response
	wg        sync.WaitGroup
}

// NewConn creates an unopened connection to the named port.
func NewConn(name string, baud int, logger *slog.Logger) *Conn {
	if baud <= 0 {
		baud = DefaultBaud
	}
	return &Conn{
		name:   name,
		baud:   baud,
		open:   OpenPort,
		logger: logger,
	}
}

// Name returns the port name.
func (c *Conn) Name() string { return c.name }

// Open opens the port and starts the reader. Opening an open Conn is a no-op.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	p, err := c.open(c.name, c.baud)
	if err != nil {
		return &ConnectError{Port: c.name, Err: err}
	}
	c.port = p
	c.done = make(chan struct{})
	c.broken = make(chan struct{})
	c.brokenErr = nil
	c.waiting = nil

	fr := newFrameReader(c.logger)
	fr.onInvalid = c.onInvalid
	c.wg.Add(1)
	go c.readLoop(p, fr, c.done, c.broken)
	c.logger.Info("stick port opened", "port", c.name, "baud", c.baud)
	return nil
}

// Close closes the port and releases a blocked Send. It is safe to call on an
// unopened or already closed Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.port == nil {
		c.mu.Unlock()
		return nil
	}
	close(c.done)
	err := c.port.Close()
	c.port = nil
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

func (c *Conn) readLoop(port Port, fr *frameReader, done, broken chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, resp := range fr.feed(buf[:n]) {
				c.deliver(resp)
			}
		}
		if err == nil {
			continue
		}
		select {
		case <-done:
			return
		default:
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		c.logger.Error("stick read error", "port", c.name, "err", err)
		c.mu.Lock()
		c.brokenErr = fmt.Errorf("stick: read %s: %w", c.name, err)
		c.mu.Unlock()
		close(broken)
		return
	}
}

// deliver hands resp to the outstanding transaction, if any.
func (c *Conn) deliver(resp *Response) {
	c.mu.Lock()
	ch := c.waiting
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("discarding unsolicited response", "response", resp.String())
		return
	}
	select {
	case ch <- resp:
	default:
		c.logger.Debug("discarding extra response", "response", resp.String())
	}
}

// Send writes p and waits for one decoded reply or p's timeout.
// A timeout returns ErrNoResponse; a closed Conn returns ErrClosed; any other
// error means the link is broken.
func (c *Conn) Send(ctx context.Context, p Packet) (*Response, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	c.mu.Lock()
	port, done, broken := c.port, c.done, c.broken
	if port == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	select {
	case <-broken:
		err := c.brokenErr
		c.mu.Unlock()
		return nil, err
	default:
	}
	ch := make(chan *Response, 1)
	c.waiting = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiting = nil
		c.mu.Unlock()
	}()

	if _, err := port.Write(p.Data); err != nil {
		return nil, fmt.Errorf("stick: write %s: %w", p.Type, err)
	}
	c.logger.Debug("stick TX", "cmd", p.Type.String(), "packet", p.String())

	timer := time.NewTimer(p.Timeout())
	defer timer.Stop()

	select {
	case resp := <-ch:
		c.logger.Debug("stick RX", "cmd", p.Type.String(), "response", resp.String())
		return resp, nil
	case <-timer.C:
		return nil, ErrNoResponse
	case <-broken:
		c.mu.Lock()
		err := c.brokenErr
		c.mu.Unlock()
		return nil, err
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
