// Package connmgr implements the Connection Manager: a named registry of
// broker connections. It creates, retrieves, and closes connections,
// serializes concurrent creates for the same name behind a per-name lock,
// and tracks close/error notifications so the facade's auto-recovery
// coordinator can react to them.
package connmgr

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dihedron/bunnybus/internal/errs"
	"github.com/dihedron/bunnybus/internal/events"
)

// DefaultConnectionRetryCount is how many times Create retries a dial
// before giving up, matching the facade's connectionRetryCount default.
const DefaultConnectionRetryCount = 2

// DefaultConnectionTimeout bounds how long a single dial attempt may
// take before it is abandoned.
const DefaultConnectionTimeout = 30 * time.Second

// Options configures how a named connection is dialled: server address,
// credentials, vhost, TLS, and heartbeat, mirroring the library's
// connectionOptions.
type Options struct {
	Server            string
	Port              int
	VHost             string
	User              string
	Password          string
	UseTLS            bool
	SkipVerifyTLS     bool
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	RetryCount        int
}

// NetOptions carries transport-level dial overrides, kept distinct from
// Options per the data model so the manager can default it independently.
type NetOptions struct {
	DialTimeout time.Duration
}

func (o *Options) url() string {
	scheme := "amqp"
	if o.UseTLS {
		scheme = "amqps"
	}
	user := o.User
	if user == "" {
		user = "guest"
	}
	password := o.Password
	if password == "" {
		password = "guest"
	}
	port := o.Port
	if port == 0 {
		port = 5672
	}
	vhost := o.VHost
	if vhost == "" {
		vhost = "%2f"
	}
	return scheme + "://" + user + ":" + password + "@" + o.Server + ":" + strconv.Itoa(port) + "/" + vhost
}

// Context is the manager's per-name descriptor: identity survives across
// reconnects even when Connection goes absent (nil) after a close.
type Context struct {
	Name              string
	ConnectionOptions Options
	NetOptions        NetOptions

	lock       sync.Mutex
	connection *amqp.Connection
	notifyCh   chan *amqp.Error
}

// Connection returns the live broker connection, or nil if none is
// currently established.
func (c *Context) Connection() *amqp.Connection {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connection
}

// NotifyClose returns the channel on which the manager forwards
// broker-side close notifications for this connection, for the facade's
// recovery coordinator to select on.
func (c *Context) NotifyClose() <-chan *amqp.Error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.notifyCh
}

// Manager is the named connection registry described in the component
// design: §4.1.
type Manager struct {
	mu    sync.Mutex
	byName map[string]*Context
	bus   *events.Bus
}

// New returns an empty connection manager that emits lifecycle events on
// bus.
func New(bus *events.Bus) *Manager {
	return &Manager{byName: make(map[string]*Context), bus: bus}
}

// Create is idempotent: if a context for name exists and its connection
// is live, it is returned unchanged. Concurrent callers for the same name
// block on the context's lock and observe the same result. Missing
// connectionOptions fails synchronously.
func (m *Manager) Create(name string, opts Options, netOpts NetOptions) (*Context, error) {
	if name == "" {
		return nil, errors.New("expected connection name to be supplied")
	}
	if opts.Server == "" {
		return nil, errors.New("expected connectionOptions to be supplied")
	}

	ctx := m.getOrInit(name, opts, netOpts)

	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if ctx.connection != nil && !ctx.connection.IsClosed() {
		return ctx, nil
	}

	conn, err := dialWithRetry(ctx)
	if err != nil {
		m.bus.Emit(events.ConnectionError, map[string]interface{}{"name": name, "error": err})
		return nil, err
	}

	ctx.connection = conn
	ctx.notifyCh = make(chan *amqp.Error, 1)
	conn.NotifyClose(ctx.notifyCh)

	m.bus.Emit(events.ConnectionCreated, map[string]interface{}{"name": name})
	slog.Info("connmgr: connection created", "name", name)

	return ctx, nil
}

func (m *Manager) getOrInit(name string, opts Options, netOpts NetOptions) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.byName[name]
	if !ok {
		ctx = &Context{Name: name, ConnectionOptions: opts, NetOptions: netOpts}
		m.byName[name] = ctx
	}
	return ctx
}

func dialWithRetry(ctx *Context) (*amqp.Connection, error) {
	retries := ctx.ConnectionOptions.RetryCount
	if retries <= 0 {
		retries = DefaultConnectionRetryCount
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), uint64(retries))

	var conn *amqp.Connection
	var lastErr error

	operation := func() error {
		c, err := dialOnce(ctx)
		if err != nil {
			lastErr = err
			slog.Warn("connmgr: dial attempt failed", "name", ctx.Name, "error", err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(operation, b); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return nil, errs.NewConnectionRetryError(ctx.Name, lastErr)
	}

	return conn, nil
}

func dialOnce(ctx *Context) (*amqp.Connection, error) {
	timeout := ctx.ConnectionOptions.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if ctx.NetOptions.DialTimeout > 0 {
		timeout = ctx.NetOptions.DialTimeout
	}

	heartbeat := ctx.ConnectionOptions.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}

	config := amqp.Config{
		Heartbeat: heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			conn, err := net.DialTimeout(network, addr, timeout)
			if err != nil {
				return nil, err
			}
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				return nil, err
			}
			return conn, nil
		},
	}

	if ctx.ConnectionOptions.UseTLS {
		config.TLSClientConfig = &tls.Config{InsecureSkipVerify: ctx.ConnectionOptions.SkipVerifyTLS}
	}

	return amqp.DialConfig(ctx.ConnectionOptions.url(), config)
}

// Contains reports whether a descriptor for name is registered (created
// and not yet removed).
func (m *Manager) Contains(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byName[name]
	return ok
}

// Get returns the descriptor for name, or nil.
func (m *Manager) Get(name string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name]
}

// GetConnection returns the live connection for name, or nil if absent.
func (m *Manager) GetConnection(name string) *amqp.Connection {
	ctx := m.Get(name)
	if ctx == nil {
		return nil
	}
	return ctx.Connection()
}

// Close closes the underlying connection for name if present, leaving
// the descriptor in place so identity survives recovery. Closing an
// already-closed connection is treated as success.
func (m *Manager) Close(name string) error {
	ctx := m.Get(name)
	if ctx == nil {
		return nil
	}

	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if ctx.connection == nil {
		return nil
	}

	err := ctx.connection.Close()
	ctx.connection = nil

	if err != nil && err != amqp.ErrClosed {
		return errors.Wrap(err, "unable to close connection")
	}

	m.bus.Emit(events.ConnectionClosed, map[string]interface{}{"name": name})
	slog.Debug("connmgr: connection closed", "name", name)
	return nil
}

// Remove closes and forgets the descriptor for name entirely.
func (m *Manager) Remove(name string) error {
	if err := m.Close(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, name)
	return nil
}
