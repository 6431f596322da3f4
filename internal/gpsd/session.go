package gpsd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAddress is gpsd's conventional TCP endpoint.
const DefaultAddress = "localhost:2947"

// Config holds connection and command timing for a Session.
type Config struct {
	Address        string        `yaml:"address" json:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connectTimeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"writeTimeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"commandTimeout"`
	MaxLineBytes   int           `yaml:"max_line_bytes" json:"maxLineBytes"`
}

func DefaultConfig() Config {
	return Config{
		Address:        DefaultAddress,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		CommandTimeout: 5 * time.Second,
		MaxLineBytes:   DefaultMaxLine,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = def.MaxLineBytes
	}
	return c
}

// State is the session lifecycle position.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dialer opens the byte stream to the daemon.
type Dialer func(ctx context.Context, address string) (io.ReadWriteCloser, error)

// TCPDialer dials address over TCP.
func TCPDialer(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Metrics observes session activity. All methods must be safe for
// concurrent use.
type Metrics interface {
	ObjectDecoded(class string)
	DecodeFailed()
	ListenerFailed()
	CommandSent(reply string)
	CommandTimedOut()
	ConnectionChanged(up bool)
}

type nopMetrics struct{}

func (nopMetrics) ObjectDecoded(string)   {}
func (nopMetrics) DecodeFailed()          {}
func (nopMetrics) ListenerFailed()        {}
func (nopMetrics) CommandSent(string)     {}
func (nopMetrics) CommandTimedOut()       {}
func (nopMetrics) ConnectionChanged(bool) {}

type Option func(*Session)

func WithDialer(d Dialer) Option { return func(s *Session) { s.dial = d } }

func WithLogger(l *logrus.Entry) Option { return func(s *Session) { s.log = l } }

func WithMetrics(m Metrics) Option { return func(s *Session) { s.metrics = m } }

// Session owns one daemon connection at a time. A single goroutine per
// connection reads, decodes and dispatches lines in wire order; Send may
// be called from any goroutine.
type Session struct {
	cfg       Config
	dial      Dialer
	log       *logrus.Entry
	metrics   Metrics
	listeners *Registry

	mu    sync.Mutex
	state State
	conn  *conn
	abort bool // Close arrived while connecting

	// slot admits one correlated command at a time; the rest queue.
	slot chan struct{}

	pendMu  sync.Mutex
	pending *pending
}

type conn struct {
	rw       io.ReadWriteCloser
	address  string
	writeMu  sync.Mutex
	done     chan struct{}
	local    atomic.Bool // closed by us rather than the peer
	once     sync.Once
	err      error // why the connection ended, valid once done is closed
	closeErr error

	// stale holds correlated commands whose caller gave up after the
	// write, oldest first. Guarded by Session.pendMu.
	stale []Command
}

// maxStale bounds the abandoned commands remembered per connection.
const maxStale = 8

type pending struct {
	cmd   Command
	reply chan result
	// shared is set when a fire-and-forget write went out while cmd was
	// armed, so a daemon ERROR can no longer be attributed to cmd.
	shared bool
}

type result struct {
	obj Object
	err error
}

func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg.withDefaults(),
		dial:    TCPDialer,
		metrics: nopMetrics{},
		slot:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("component", "gpsd")
	s.listeners = NewRegistry(func(err error) {
		s.metrics.ListenerFailed()
		s.log.WithError(err).Error("listener failed")
	})
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Subscribe(l Listener) Handle { return s.listeners.Subscribe(l) }

func (s *Session) Unsubscribe(h Handle) bool { return s.listeners.Unsubscribe(h) }

// Done is closed when the current connection ends. Without a connection
// it returns an already closed channel.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.conn.done
}

// Connect dials address (the configured address when empty) and starts
// the read loop. On failure the session stays Disconnected.
func (s *Session) Connect(ctx context.Context, address string) error {
	if address == "" {
		address = s.cfg.Address
	}
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = Connecting
	s.abort = false
	s.mu.Unlock()

	dctx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	rw, err := s.dial(dctx, address)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		s.log.WithError(err).Warnf("connect to %s failed", address)
		return &ConnectionError{Address: address, Err: err}
	}

	c := &conn{rw: rw, address: address, done: make(chan struct{})}
	s.mu.Lock()
	if s.abort {
		s.state = Disconnected
		s.mu.Unlock()
		rw.Close()
		return &ConnectionError{Address: address, Err: ErrConnectionClosed}
	}
	s.conn = c
	s.state = Connected
	s.mu.Unlock()

	s.metrics.ConnectionChanged(true)
	s.log.Infof("connected to %s", address)
	go s.readLoop(c)
	return nil
}

// Close stops dispatch, releases the transport and wakes any caller
// waiting on a reply with ErrConnectionClosed. Extra calls do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Disconnected, Closing:
		s.mu.Unlock()
		return nil
	case Connecting:
		s.abort = true
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	c := s.conn
	s.mu.Unlock()

	c.local.Store(true)
	s.teardown(c, ErrConnectionClosed)
	s.log.Infof("closed connection to %s", c.address)
	return c.closeErr
}

func (s *Session) readLoop(c *conn) {
	lines := NewLineReader(c.rw, s.cfg.MaxLineBytes)
	for {
		line, err := lines.Next()
		if c.local.Load() {
			s.teardown(c, ErrConnectionClosed)
			return
		}
		if errors.Is(err, ErrLineTooLong) {
			s.decodeFailed(&DecodeError{Err: err})
			continue
		}
		if err != nil {
			s.teardown(c, err)
			s.log.WithError(err).Warnf("connection to %s lost", c.address)
			s.listeners.NotifyError(err)
			return
		}
		if len(line) == 0 {
			continue
		}
		s.log.Debugf("recv %s", line)

		obj, err := Decode(line)
		if err != nil {
			s.decodeFailed(err)
			continue
		}
		s.metrics.ObjectDecoded(obj.Class())
		if c.local.Load() {
			s.teardown(c, ErrConnectionClosed)
			return
		}
		s.resolve(c, obj)
		s.listeners.NotifyObject(obj)
	}
}

func (s *Session) decodeFailed(err error) {
	s.metrics.DecodeFailed()
	s.log.WithError(err).Warn("dropping undecodable line")
	s.listeners.NotifyError(err)
}

// resolve hands obj to the waiting command if it is the awaited reply.
// The late reply (or ERROR) of an abandoned command is consumed first so it
// never reaches a newer caller. A daemon ERROR fails the outstanding
// command unless a fire-and-forget write went out while it was armed.
func (s *Session) resolve(c *conn, obj Object) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	e, isErr := obj.(Error)
	for i, cmd := range c.stale {
		if isErr || cmd.matches(obj) {
			c.stale = append(c.stale[:i], c.stale[i+1:]...)
			return
		}
	}
	p := s.pending
	if p == nil {
		return
	}
	if isErr {
		if p.shared {
			return
		}
		s.pending = nil
		p.reply <- result{err: &CommandRejectedError{Command: p.cmd.Text, Message: e.Message}}
		return
	}
	if p.cmd.matches(obj) {
		s.pending = nil
		p.reply <- result{obj: obj}
	}
}

func (s *Session) teardown(c *conn, cause error) {
	c.once.Do(func() {
		c.err = cause
		c.closeErr = c.rw.Close()

		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
			s.state = Disconnected
		}
		s.mu.Unlock()
		close(c.done)
		s.metrics.ConnectionChanged(false)
	})
}

// abandon remembers cmd so its late reply is dropped. The caller holds
// Session.pendMu.
func (c *conn) abandon(cmd Command) {
	if len(c.stale) == maxStale {
		c.stale = c.stale[1:]
	}
	c.stale = append(c.stale, cmd)
}

func (s *Session) current() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Send writes cmd. When cmd.Reply is set it blocks until the matching
// reply arrives, the command timeout elapses (ErrCommandTimeout), ctx is
// done, or the connection ends (ErrConnectionClosed). Correlated commands
// are queued so that only one awaits a reply at a time, and the reply of a
// command whose caller gave up is discarded rather than handed to the
// next caller.
//
// A daemon ERROR carries no reference to the request it answers. It fails
// the outstanding correlated command, except when a fire-and-forget
// command was written while that command was waiting; the ERROR then only
// reaches listeners and the correlated caller keeps waiting.
func (s *Session) Send(ctx context.Context, cmd Command) (Object, error) {
	c, err := s.current()
	if err != nil {
		return nil, err
	}
	if cmd.Reply == "" {
		s.pendMu.Lock()
		if s.pending != nil {
			s.pending.shared = true
		}
		s.pendMu.Unlock()
		return nil, s.write(c, cmd)
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err
	}
	defer func() { <-s.slot }()

	p := &pending{cmd: cmd, reply: make(chan result, 1)}
	s.pendMu.Lock()
	s.pending = p
	s.pendMu.Unlock()
	written := false
	defer func() {
		s.pendMu.Lock()
		if s.pending == p {
			s.pending = nil
			if written {
				c.abandon(cmd)
			}
		}
		s.pendMu.Unlock()
	}()

	if err := s.write(c, cmd); err != nil {
		return nil, err
	}
	written = true

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.reply:
		return r.obj, r.err
	case <-timer.C:
		s.metrics.CommandTimedOut()
		return nil, fmt.Errorf("%w: no %s reply to %q within %v", ErrCommandTimeout, cmd.Reply, cmd.Text, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err
	}
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (s *Session) write(c *conn, cmd Command) error {
	line := cmd.Text
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.local.Load() {
		return ErrConnectionClosed
	}
	if d, ok := c.rw.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := io.WriteString(c.rw, line); err != nil {
		return fmt.Errorf("gpsd: write %q: %w", cmd.Text, err)
	}
	s.metrics.CommandSent(cmd.Reply)
	s.log.Debugf("sent %s", cmd.Text)
	return nil
}
