// Package chanmgr implements the Channel Manager: a named registry of
// broker channels layered over the Connection Manager. It opens channels,
// applies prefetch, and keeps track of each channel's registered
// consumers so the facade's recovery coordinator can re-establish them
// after a broker-side close.
package chanmgr

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dihedron/bunnybus/internal/connmgr"
	"github.com/dihedron/bunnybus/internal/events"
)

// DefaultPrefetch is the prefetch ("limit") applied when Options.Limit is
// left at zero.
const DefaultPrefetch = 5

// Options configures a channel: prefetch limit and the default exchange
// name used when none is specified at publish/subscribe time.
type Options struct {
	Limit          int
	GlobalExchange string
}

// ConsumerRegistration is what the manager remembers about an active
// consumer so recovery can re-declare it: the queue it was consuming and
// the consumer tag it was registered under.
type ConsumerRegistration struct {
	Queue       string
	ConsumerTag string
}

// Context is the manager's per-name descriptor. ConnectionName is a
// relation, not an ownership pointer: the owning ConnectionContext is
// always looked up through the Connection Manager, avoiding a lifetime
// cycle between the two registries during recovery.
type Context struct {
	Name           string
	ConnectionName string
	ChannelOptions Options

	lock      sync.Mutex
	channel   *amqp.Channel
	consumers map[string]ConsumerRegistration
}

// Channel returns the live broker channel, or nil.
func (c *Context) Channel() *amqp.Channel {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.channel
}

// Consumers returns a snapshot of the channel's consumer roster.
func (c *Context) Consumers() map[string]ConsumerRegistration {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make(map[string]ConsumerRegistration, len(c.consumers))
	for k, v := range c.consumers {
		out[k] = v
	}
	return out
}

// Manager is the named channel registry described in the component
// design: §4.2.
type Manager struct {
	mu     sync.Mutex
	byName map[string]*Context
	conns  *connmgr.Manager
	bus    *events.Bus
}

// New returns an empty channel manager layered over conns.
func New(conns *connmgr.Manager, bus *events.Bus) *Manager {
	return &Manager{byName: make(map[string]*Context), conns: conns, bus: bus}
}

// Create ensures the owning connection exists, opens (or returns) the
// named channel, and applies prefetch. Idempotent under the per-channel
// lock: concurrent callers for the same name observe the same result.
func (m *Manager) Create(channelName string, connCtx *connmgr.Context, opts Options) (*Context, error) {
	if connCtx == nil {
		return nil, errors.New("expected a connection context to be supplied")
	}

	ctx := m.getOrInit(channelName, connCtx.Name, opts)

	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if ctx.channel != nil && !ctx.channel.IsClosed() {
		return ctx, nil
	}

	conn := connCtx.Connection()
	if conn == nil || conn.IsClosed() {
		recreated, err := m.conns.Create(connCtx.Name, connCtx.ConnectionOptions, connCtx.NetOptions)
		if err != nil {
			return nil, errors.Wrapf(err, "connection '%s' is not established", connCtx.Name)
		}
		conn = recreated.Connection()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to open channel")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPrefetch
	}
	if err := ch.Qos(limit, 0, false); err != nil {
		return nil, errors.Wrap(err, "unable to set qos policy")
	}

	ctx.channel = ch
	if ctx.consumers == nil {
		ctx.consumers = make(map[string]ConsumerRegistration)
	}

	m.bus.Emit(events.ChannelCreated, map[string]interface{}{"channel": channelName, "connection": connCtx.Name})
	slog.Debug("chanmgr: channel created", "name", channelName, "connection", connCtx.Name)

	return ctx, nil
}

func (m *Manager) getOrInit(name, connectionName string, opts Options) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.byName[name]
	if !ok {
		ctx = &Context{Name: name, ConnectionName: connectionName, ChannelOptions: opts, consumers: make(map[string]ConsumerRegistration)}
		m.byName[name] = ctx
	}
	return ctx
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

// GetChannel returns the live channel for name, or nil.
func (m *Manager) GetChannel(name string) *amqp.Channel {
	ctx := m.Get(name)
	if ctx == nil {
		return nil
	}
	return ctx.Channel()
}

// Close closes the underlying channel for name if present, preserving
// the descriptor (and its consumer roster) so recovery can rebuild it.
func (m *Manager) Close(name string) error {
	ctx := m.Get(name)
	if ctx == nil {
		return nil
	}

	ctx.lock.Lock()
	defer ctx.lock.Unlock()

	if ctx.channel == nil {
		return nil
	}

	err := ctx.channel.Close()
	ctx.channel = nil

	if err != nil && err != amqp.ErrClosed {
		return errors.Wrap(err, "unable to close channel")
	}

	slog.Debug("chanmgr: channel closed", "name", name)
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

// AddConsumer records that consumerTag is now active on channelName,
// used for recovery bookkeeping.
func (m *Manager) AddConsumer(channelName, consumerTag string, reg ConsumerRegistration) {
	ctx := m.Get(channelName)
	if ctx == nil {
		return
	}
	ctx.lock.Lock()
	defer ctx.lock.Unlock()
	if ctx.consumers == nil {
		ctx.consumers = make(map[string]ConsumerRegistration)
	}
	ctx.consumers[consumerTag] = reg
}

// RemoveConsumer forgets consumerTag's registration on channelName.
func (m *Manager) RemoveConsumer(channelName, consumerTag string) {
	ctx := m.Get(channelName)
	if ctx == nil {
		return
	}
	ctx.lock.Lock()
	defer ctx.lock.Unlock()
	delete(ctx.consumers, consumerTag)
}
