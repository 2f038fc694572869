// Package bunnybus is a publish/subscribe facade over an AMQP 0-9-1
// broker. Applications publish typed events identified by a routing key
// and subscribe to queues with a set of event handlers; the library
// transparently manages broker connections, channels, subscription
// lifecycles, message acknowledgment, requeue semantics, error-queue
// routing, and ordered dispatch of messages to handlers.
//
// It is the spiritual successor to the single-connection rabbit wrapper
// this module started from: where that library managed one connection
// and one consumer channel, bunnybus manages named registries of each so
// a single process can publish and subscribe across many queues and
// exchanges while still recovering transparently from broker-side drops.
package bunnybus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dihedron/bunnybus/internal/chanmgr"
	"github.com/dihedron/bunnybus/internal/connmgr"
	"github.com/dihedron/bunnybus/internal/dispatch"
	"github.com/dihedron/bunnybus/internal/errs"
	"github.com/dihedron/bunnybus/internal/events"
	"github.com/dihedron/bunnybus/internal/helpers"
	"github.com/dihedron/bunnybus/internal/submgr"
)

// Well-known names, per the library's external-interfaces reference.
const (
	DefaultConnectionName = "default"
	PublisherChannelName  = "bunnybus-publisher"
)

// Options configures a Client, mirroring the source library's flat
// Options struct and defaulting function. applyDefaults fills in
// GlobalExchange, Limit, ErrorQueueSuffix, ConnectionRetryCount, Heartbeat
// and RouteKeyExtractor when they are left at their zero value; Port,
// VHost, User and Password fall back to 5672, "%2f" and guest/guest when
// the connection URL is built. Server has no default: New fails without it.
type Options struct {
	// Broker connection.
	Server               string
	Port                 int
	VHost                string
	User                 string
	Password             string
	UseTLS               bool
	SkipVerifyTLS        bool
	Heartbeat            time.Duration
	ConnectionTimeout    time.Duration
	ConnectionRetryCount int

	// Behaviour.
	AutoAcknowledgement bool
	GlobalExchange      string
	Limit               int
	ErrorQueueSuffix    string
	Silence             bool
	MaxRetryCount       int
	ValidatePublisher   bool

	// SerialDispatchPartitionKeySelectors is the ordered list of
	// "{path.to.field}" templates used to compute a message's partition
	// value for the serial dispatcher.
	SerialDispatchPartitionKeySelectors []string

	// Source tags outbound messages with a producer identifier.
	Source string

	// RouteKeyExtractor overrides how publish derives a routing key from
	// a message; defaults to reading the JSON "event" field.
	RouteKeyExtractor helpers.RouteKeyExtractor
}

func (o *Options) applyDefaults() {
	if o.GlobalExchange == "" {
		o.GlobalExchange = "default-exchange"
	}
	if o.Limit <= 0 {
		o.Limit = chanmgr.DefaultPrefetch
	}
	if o.ErrorQueueSuffix == "" {
		o.ErrorQueueSuffix = "_error"
	}
	if o.ConnectionRetryCount <= 0 {
		o.ConnectionRetryCount = connmgr.DefaultConnectionRetryCount
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 2 * time.Second
	}
	if o.RouteKeyExtractor == nil {
		o.RouteKeyExtractor = helpers.DefaultRouteKeyExtractor
	}
}

func (o Options) connOptions() connmgr.Options {
	return connmgr.Options{
		Server: o.Server, Port: o.Port, VHost: o.VHost,
		User: o.User, Password: o.Password,
		UseTLS: o.UseTLS, SkipVerifyTLS: o.SkipVerifyTLS,
		Heartbeat: o.Heartbeat, ConnectionTimeout: o.ConnectionTimeout,
		RetryCount: o.ConnectionRetryCount,
	}
}

func (o Options) chanOptions() chanmgr.Options {
	return chanmgr.Options{Limit: o.Limit, GlobalExchange: o.GlobalExchange}
}

// PublishOptions tunes a single publish/send call.
type PublishOptions struct {
	Source  string
	Headers helpers.Headers
}

// SubscribeOptions tunes a single subscribe call; zero value uses the
// client-wide defaults from Options.
type SubscribeOptions struct {
	MaxRetryCount     int
	ValidatePublisher bool
}

// ConsumedMessage is what a handler receives: the decoded payload, its
// resolved event/routing key, and the header bag (including retryCount,
// transactionId, and any user headers).
type ConsumedMessage struct {
	Event   string
	Payload map[string]interface{}
	Headers helpers.Headers
	Raw     []byte
}

// Ack acknowledges the delivery. Reject publishes the payload to the
// error queue with reason, then acks the original delivery. Requeue
// republishes the payload to the primary queue with retryCount
// incremented, then acks the original delivery. Exactly one of the three
// must be called per delivery.
type (
	Ack     func() error
	Reject  func(reason string) error
	Requeue func() error
)

// HandlerFunc is the capability applications register per routing
// pattern. meta is a mutable scratch map threaded through one message's
// handling, shared across requeue attempts only by transactionId, never
// by identity.
type HandlerFunc func(msg ConsumedMessage, ack Ack, reject Reject, requeue Requeue, meta map[string]interface{}) error

// subscribeState is everything the recovery coordinator needs to redo a
// subscription's topology and re-consume after a channel is recreated.
// It is looked up by queue name; the submgr.Subscription descriptor
// remains the source of truth for handlers/options, this just adds the
// broker-declaration facts the Subscription Manager itself does not
// record (the spec keeps that manager I/O-free).
type subscribeState struct {
	queue       string
	channelName string
	patterns    []string
}

// Client is the public facade: the single type applications construct,
// matching the source library's one public Rabbit type scaled up to
// multiple named connections/channels.
type Client struct {
	opts Options

	bus    *events.Bus
	conns  *connmgr.Manager
	chans  *chanmgr.Manager
	subs   *submgr.Manager
	dispatcher *dispatch.Dispatcher

	mu            sync.Mutex
	recoverable   map[string]*subscribeState
	watchedChans  map[string]struct{}
	stopped       bool
}

// New validates opts, applies defaults, establishes the default
// connection, and returns a ready-to-use Client.
func New(opts Options) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("expected connectionOptions to be supplied")
	}
	opts.applyDefaults()

	c := &Client{
		opts:         opts,
		bus:          events.New(),
		recoverable:  make(map[string]*subscribeState),
		watchedChans: make(map[string]struct{}),
	}
	c.conns = connmgr.New(c.bus)
	c.chans = chanmgr.New(c.conns, c.bus)
	c.subs = submgr.New(c.bus)
	c.dispatcher = dispatch.New()

	if _, err := c.conns.Create(DefaultConnectionName, opts.connOptions(), connmgr.NetOptions{}); err != nil {
		return nil, errors.Wrap(err, "unable to establish default connection")
	}

	return c, nil
}

// On registers a listener on the client's internal event bus (the
// recovering/recovered/subscription.*/message.published surface).
func (c *Client) On(name events.Name, listener events.Listener) {
	c.bus.On(name, listener)
}

// Ping checks liveness of the default connection.
func (c *Client) Ping() error {
	conn := c.conns.GetConnection(DefaultConnectionName)
	if conn == nil || conn.IsClosed() {
		return errors.New("default connection is not established")
	}
	return nil
}

// ---- publish / send ----------------------------------------------------

// ensurePublisherChannel re-establishes the default connection if needed,
// creates (or returns the live) bunnybus-publisher channel, and registers
// it with the recovery coordinator -- shared by every publish/send/get/
// admin call site so none of them can wedge on a dead channel forever.
func (c *Client) ensurePublisherChannel() (*chanmgr.Context, error) {
	connCtx := c.conns.Get(DefaultConnectionName)
	if connCtx == nil {
		var err error
		connCtx, err = c.conns.Create(DefaultConnectionName, c.opts.connOptions(), connmgr.NetOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "unable to establish default connection")
		}
	}
	chCtx, err := c.chans.Create(PublisherChannelName, connCtx, c.opts.chanOptions())
	if err != nil {
		return nil, err
	}
	c.watchChannel(PublisherChannelName)
	return chCtx, nil
}

func (c *Client) publisherChannel() (*amqp.Channel, error) {
	chCtx, err := c.ensurePublisherChannel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create publisher channel")
	}
	ch := chCtx.Channel()
	if err := ch.ExchangeDeclare(c.opts.GlobalExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "unable to declare global exchange")
	}
	return ch, nil
}

// Publish derives a routing key from message (via RouteKeyExtractor,
// defaulting to its "event" field), asserts the global topic exchange,
// and publishes a JSON-encoded body with the standard header set.
func (c *Client) Publish(message interface{}, opts ...PublishOptions) error {
	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	routeKey, err := c.opts.RouteKeyExtractor(message)
	if err != nil {
		return errs.NewNoRouteKeyError(err.Error())
	}

	body, err := helpers.Encode(message)
	if err != nil {
		return err
	}

	ch, err := c.publisherChannel()
	if err != nil {
		return err
	}

	source := o.Source
	if source == "" {
		source = c.opts.Source
	}
	headers := helpers.NewPublishHeaders(o.Headers, source, routeKey)

	if err := ch.Publish(c.opts.GlobalExchange, routeKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table(headers),
		Body:        body,
	}); err != nil {
		return errors.Wrap(err, "unable to publish message")
	}

	c.bus.Emit(events.MessagePublished, map[string]interface{}{"routeKey": routeKey})
	slog.Debug("bunnybus: published", "routeKey", routeKey)
	return nil
}

// Send publishes directly to queueName via the default exchange,
// bypassing the global topic exchange.
func (c *Client) Send(message interface{}, queueName string, opts ...PublishOptions) error {
	var o PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	routeKey, err := c.opts.RouteKeyExtractor(message)
	if err != nil {
		return errs.NewNoRouteKeyError(err.Error())
	}

	body, err := helpers.Encode(message)
	if err != nil {
		return err
	}

	chCtx, err := c.ensurePublisherChannel()
	if err != nil {
		return errors.Wrap(err, "unable to create publisher channel")
	}
	ch := chCtx.Channel()

	source := o.Source
	if source == "" {
		source = c.opts.Source
	}
	headers := helpers.NewPublishHeaders(o.Headers, source, routeKey)

	if err := ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table(headers),
		Body:        body,
	}); err != nil {
		return errors.Wrap(err, "unable to send message")
	}

	c.bus.Emit(events.MessagePublished, map[string]interface{}{"queue": queueName, "routeKey": routeKey})
	return nil
}

// ---- subscribe / unsubscribe --------------------------------------------

// Subscribe registers handlers for queue, keyed by routing pattern
// (exact keys or AMQP-style "*"/"#" wildcards), and starts consuming.
// Fails with a SubscriptionExistError if queue already has an active
// subscription, or a SubscriptionBlockedError if queue is blocked.
func (c *Client) Subscribe(queue string, handlers map[string]HandlerFunc, opts ...SubscribeOptions) error {
	var o SubscribeOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	if c.subs.Contains(queue, false) {
		return errs.NewSubscriptionExistError(queue)
	}
	if c.subs.IsBlocked(queue) {
		return errs.NewSubscriptionBlockedError(queue)
	}

	subHandlers := make(map[string]submgr.Handler, len(handlers))
	patterns := make([]string, 0, len(handlers))
	for pattern, h := range handlers {
		subHandlers[pattern] = h
		patterns = append(patterns, pattern)
	}

	if !c.subs.Create(queue, subHandlers, submgr.Options{
		MaxRetryCount:     firstNonZero(o.MaxRetryCount, c.opts.MaxRetryCount),
		ValidatePublisher: o.ValidatePublisher || c.opts.ValidatePublisher,
	}) {
		return errs.NewSubscriptionExistError(queue)
	}

	channelName := helpers.QueueChannelName(queue)

	c.mu.Lock()
	c.recoverable[queue] = &subscribeState{queue: queue, channelName: channelName, patterns: patterns}
	c.mu.Unlock()

	if err := c.ensureConsuming(queue, channelName, patterns, handlers); err != nil {
		c.subs.Remove(queue)
		c.mu.Lock()
		delete(c.recoverable, queue)
		c.mu.Unlock()
		return err
	}

	c.bus.Emit(events.QueueSubscribed, map[string]interface{}{"queue": queue})
	return nil
}

// ensureConsuming declares topology (global exchange, primary queue,
// error queue, bindings), starts the broker consumer, and wires delivery
// handling. It is shared by Subscribe and the recovery coordinator.
func (c *Client) ensureConsuming(queue, channelName string, patterns []string, handlers map[string]HandlerFunc) error {
	connCtx := c.conns.Get(DefaultConnectionName)
	if connCtx == nil {
		var err error
		connCtx, err = c.conns.Create(DefaultConnectionName, c.opts.connOptions(), connmgr.NetOptions{})
		if err != nil {
			return errors.Wrap(err, "unable to establish connection for subscribe")
		}
	}

	chCtx, err := c.chans.Create(channelName, connCtx, c.opts.chanOptions())
	if err != nil {
		return errors.Wrap(err, "unable to create subscribe channel")
	}
	ch := chCtx.Channel()

	if err := ch.ExchangeDeclare(c.opts.GlobalExchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "unable to declare global exchange")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "unable to declare primary queue")
	}
	errorQueue := queue + c.opts.ErrorQueueSuffix
	if _, err := ch.QueueDeclare(errorQueue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "unable to declare error queue")
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(queue, pattern, c.opts.GlobalExchange, false, nil); err != nil {
			return errors.Wrap(err, "unable to bind queue")
		}
	}

	consumerTag := queue + "-" + helpers.NewTransactionID()[:8]
	deliveries, err := ch.Consume(queue, consumerTag, c.opts.AutoAcknowledgement, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "unable to start consuming")
	}

	c.subs.Tag(queue, consumerTag)
	c.chans.AddConsumer(channelName, consumerTag, chanmgr.ConsumerRegistration{Queue: queue, ConsumerTag: consumerTag})

	go c.consumeLoop(queue, channelName, handlers, deliveries)
	c.watchChannel(channelName)

	return nil
}

// consumeLoop decodes each delivery, routes it to a handler via the
// partition dispatcher, and never blocks the broker's delivery channel on
// handler latency -- the dispatcher owns the serialization, consumeLoop
// only owns decode-and-enqueue.
func (c *Client) consumeLoop(queue, channelName string, handlers map[string]HandlerFunc, deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		delivery := delivery
		decoded, err := helpers.Decode(delivery.Body)
		if err != nil {
			if rejErr := c.reject(channelName, queue, delivery, "Could not decode JSON"); rejErr != nil {
				slog.Error("bunnybus: reject on decode failure failed", "queue", queue, "error", rejErr)
			}
			continue
		}

		event, _ := decoded["event"].(string)
		_, handler, found := resolveHandler(handlers, event)
		if !found {
			if rejErr := c.reject(channelName, queue, delivery, "No handler found"); rejErr != nil {
				slog.Error("bunnybus: reject on missing handler failed", "queue", queue, "error", rejErr)
			}
			continue
		}

		partitionValue := helpers.ResolvePartitionValue(c.opts.SerialDispatchPartitionKeySelectors, decoded)
		key := queue + ":" + partitionValue

		msg := ConsumedMessage{Event: event, Payload: decoded, Headers: helpers.Headers(delivery.Headers), Raw: delivery.Body}
		meta := map[string]interface{}{}

		c.dispatcher.Push(key, func() error {
			return c.invokeHandler(channelName, queue, delivery, msg, handler, meta)
		})
	}
}

func resolveHandler(handlers map[string]HandlerFunc, event string) (string, HandlerFunc, bool) {
	if h, ok := handlers[event]; ok {
		return event, h, true
	}
	patterns := make([]string, 0, len(handlers))
	for p := range handlers {
		patterns = append(patterns, p)
	}
	best, ok := helpers.BestMatch(patterns, event)
	if !ok {
		return "", nil, false
	}
	return best, handlers[best], true
}

// invokeHandler recovers a handler panic and treats both a panic and a
// returned error as an implicit reject, per the library's standardised
// handler-error policy, unless the handler already called ack, reject or
// requeue itself.
func (c *Client) invokeHandler(channelName, queue string, delivery amqp.Delivery, msg ConsumedMessage, handler HandlerFunc, meta map[string]interface{}) (err error) {
	resolved := false

	ack := func() error {
		resolved = true
		if c.opts.AutoAcknowledgement {
			slog.Debug("bunnybus: ack skipped under auto-acknowledgement", "queue", queue)
			return nil
		}
		return delivery.Ack(false)
	}
	reject := func(reason string) error {
		resolved = true
		return c.reject(channelName, queue, delivery, reason)
	}
	requeue := func() error {
		resolved = true
		return c.requeue(channelName, queue, delivery)
	}

	defer func() {
		if r := recover(); r != nil {
			if resolved {
				slog.Error("bunnybus: handler panicked after resolving delivery", "queue", queue, "recover", r)
				err = errors.Errorf("handler panicked: %v", r)
				return
			}
			slog.Error("bunnybus: handler panicked, rejecting", "queue", queue, "recover", r)
			err = c.reject(channelName, queue, delivery, "handler panicked")
		}
	}()

	if hErr := handler(msg, ack, reject, requeue, meta); hErr != nil {
		if !resolved {
			return c.reject(channelName, queue, delivery, hErr.Error())
		}
		return hErr
	}

	if !resolved {
		return ack()
	}
	return nil
}

// reject publishes the original payload (with incremented retryCount if
// already seen, erroredAt set, reason recorded) to the error queue, then
// acks the original delivery so it leaves the main queue.
func (c *Client) reject(channelName, queue string, delivery amqp.Delivery, reason string) error {
	ch, err := c.channelFor(channelName)
	if err != nil {
		return err
	}

	headers := helpers.RejectHeaders(helpers.Headers(delivery.Headers), reason)
	errorQueue := queue + c.opts.ErrorQueueSuffix

	if err := ch.Publish("", errorQueue, false, false, amqp.Publishing{
		ContentType: delivery.ContentType,
		Headers:     amqp.Table(headers),
		Body:        delivery.Body,
	}); err != nil {
		return errors.Wrap(err, "unable to publish to error queue")
	}

	if !c.opts.AutoAcknowledgement {
		if err := delivery.Ack(false); err != nil {
			return errors.Wrap(err, "unable to ack rejected delivery")
		}
	}

	slog.Warn("bunnybus: rejected message", "queue", queue, "reason", reason)
	return nil
}

// requeue republishes the payload to the primary queue with preserved
// transactionId/createdAt, retryCount incremented, and requeuedAt set,
// then acks the original delivery. If maxRetryCount is configured and
// the incremented retryCount exceeds it, behaviour falls back to reject.
func (c *Client) requeue(channelName, queue string, delivery amqp.Delivery) error {
	sub, _ := c.subs.Get(queue)
	headers := helpers.RequeueHeaders(helpers.Headers(delivery.Headers))

	if sub.Options.MaxRetryCount > 0 && headers.GetInt64(helpers.HeaderRetryCount) > int64(sub.Options.MaxRetryCount) {
		return c.reject(channelName, queue, delivery, "Exceeded max retry count")
	}

	ch, err := c.channelFor(channelName)
	if err != nil {
		return err
	}

	if err := ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType: delivery.ContentType,
		Headers:     amqp.Table(headers),
		Body:        delivery.Body,
	}); err != nil {
		return errors.Wrap(err, "unable to requeue message")
	}

	if !c.opts.AutoAcknowledgement {
		if err := delivery.Ack(false); err != nil {
			return errors.Wrap(err, "unable to ack requeued delivery")
		}
	}

	return nil
}

// channelFor returns channelName's live broker channel, transparently
// re-establishing the connection and/or the channel itself if either was
// closed since it was last used -- the requeue/reject paths must succeed
// even when the delivery's channel dropped between receive and resolve.
func (c *Client) channelFor(channelName string) (*amqp.Channel, error) {
	if ch := c.chans.GetChannel(channelName); ch != nil {
		return ch, nil
	}

	connCtx := c.conns.Get(DefaultConnectionName)
	if connCtx == nil {
		var err error
		connCtx, err = c.conns.Create(DefaultConnectionName, c.opts.connOptions(), connmgr.NetOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "unable to re-establish connection")
		}
	}

	chCtx, err := c.chans.Create(channelName, connCtx, c.opts.chanOptions())
	if err != nil {
		return nil, errors.Wrap(err, "unable to re-establish channel")
	}
	return chCtx.Channel(), nil
}

// Requeue is the internal `_requeue` primitive exposed for testing: it
// re-publishes payload with preserved transactionId/createdAt, an
// incremented retryCount, and a fresh requeuedAt to queueName,
// transparently re-establishing the connection and/or channelName if they
// were closed between receive and requeue.
func (c *Client) Requeue(payload []byte, headers helpers.Headers, channelName, queueName string) error {
	ch, err := c.channelFor(channelName)
	if err != nil {
		return errors.Wrap(err, "unable to re-establish channel for requeue")
	}

	newHeaders := helpers.RequeueHeaders(headers)

	return ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table(newHeaders),
		Body:        payload,
	})
}

// Unsubscribe cancels the broker consumer for queue (if present), clears
// its tag, removes it from the channel's roster, and is a no-op if queue
// has no active subscription.
func (c *Client) Unsubscribe(queue string) error {
	sub, exists := c.subs.Get(queue)
	if !exists || sub.ConsumerTag == "" {
		return nil
	}

	channelName := helpers.QueueChannelName(queue)
	if ch, err := c.channelFor(channelName); err == nil {
		if err := ch.Cancel(sub.ConsumerTag, false); err != nil {
			slog.Warn("bunnybus: cancel consumer failed", "queue", queue, "error", err)
		}
	}

	c.chans.RemoveConsumer(channelName, sub.ConsumerTag)
	c.subs.Clear(queue)

	c.mu.Lock()
	delete(c.recoverable, queue)
	c.mu.Unlock()

	c.bus.Emit(events.QueueUnsubscribed, map[string]interface{}{"queue": queue})
	return nil
}

// Get performs a pull-mode basic.get against queueName, returning nil if
// the queue is empty.
func (c *Client) Get(queueName string) (*ConsumedMessage, error) {
	chCtx, err := c.ensurePublisherChannel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create channel for get")
	}
	ch := chCtx.Channel()

	delivery, ok, err := ch.Get(queueName, false)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get message")
	}
	if !ok {
		return nil, nil
	}

	decoded, err := helpers.Decode(delivery.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode fetched message")
	}
	event, _ := decoded["event"].(string)

	if err := delivery.Ack(false); err != nil {
		return nil, errors.Wrap(err, "unable to ack fetched message")
	}

	return &ConsumedMessage{Event: event, Payload: decoded, Headers: helpers.Headers(delivery.Headers), Raw: delivery.Body}, nil
}

// ---- administrative passthroughs ----------------------------------------

func (c *Client) adminChannel() (*amqp.Channel, error) {
	chCtx, err := c.ensurePublisherChannel()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create admin channel")
	}
	return chCtx.Channel(), nil
}

// CreateExchange declares an exchange of kind on the broker.
func (c *Client) CreateExchange(name, kind string, durable bool) error {
	ch, err := c.adminChannel()
	if err != nil {
		return err
	}
	return ch.ExchangeDeclare(name, kind, durable, false, false, false, nil)
}

// DeleteExchange removes an exchange from the broker.
func (c *Client) DeleteExchange(name string) error {
	ch, err := c.adminChannel()
	if err != nil {
		return err
	}
	return ch.ExchangeDelete(name, false, false)
}

// CreateQueue declares a queue on the broker, durable if durable is true.
func (c *Client) CreateQueue(name string, durable bool) error {
	ch, err := c.adminChannel()
	if err != nil {
		return err
	}
	_, err = ch.QueueDeclare(name, durable, false, false, false, nil)
	return err
}

// DeleteQueue removes a queue from the broker.
func (c *Client) DeleteQueue(name string) error {
	ch, err := c.adminChannel()
	if err != nil {
		return err
	}
	_, err = ch.QueueDelete(name, false, false, false)
	return err
}

// PurgeQueue removes all messages from queueName and returns the count
// purged.
func (c *Client) PurgeQueue(name string) (int, error) {
	ch, err := c.adminChannel()
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(name, false)
	return n, err
}

// CheckQueue inspects a queue without declaring it, returning whether it
// exists and its current message count.
func (c *Client) CheckQueue(name string) (exists bool, messageCount int, err error) {
	ch, err := c.adminChannel()
	if err != nil {
		return false, 0, err
	}
	q, err := ch.QueueInspect(name)
	if err != nil {
		return false, 0, nil
	}
	return true, q.Messages, nil
}

// CheckExchange inspects an exchange's existence without declaring it.
func (c *Client) CheckExchange(name, kind string) (exists bool, err error) {
	ch, err := c.adminChannel()
	if err != nil {
		return false, err
	}
	if err := ch.ExchangeDeclarePassive(name, kind, true, false, false, false, nil); err != nil {
		return false, nil
	}
	return true, nil
}

// Block / Unblock / IsBlocked passthrough to the Subscription Manager.
func (c *Client) Block(queue string) bool    { return c.subs.Block(queue) }
func (c *Client) Unblock(queue string) bool  { return c.subs.Unblock(queue) }
func (c *Client) IsBlocked(queue string) bool { return c.subs.IsBlocked(queue) }

// ---- auto-recovery coordinator -------------------------------------------

// watchChannel starts (once per channel name) a goroutine that observes
// broker-side close notifications for channelName and drives recovery.
func (c *Client) watchChannel(channelName string) {
	c.mu.Lock()
	if _, already := c.watchedChans[channelName]; already {
		c.mu.Unlock()
		return
	}
	c.watchedChans[channelName] = struct{}{}
	c.mu.Unlock()

	chCtx := c.chans.Get(channelName)
	if chCtx == nil {
		return
	}
	ch := chCtx.Channel()
	if ch == nil {
		return
	}

	notifyCh := make(chan *amqp.Error, 1)
	ch.NotifyClose(notifyCh)

	go func() {
		closeErr, ok := <-notifyCh
		c.mu.Lock()
		delete(c.watchedChans, channelName)
		stopped := c.stopped
		c.mu.Unlock()

		if !ok || stopped {
			return
		}

		c.recoverChannel(channelName, closeErr)
	}()
}

// recoverChannel re-establishes channelName's connection and channel,
// re-declares topology, and re-consumes every queue that had been
// registered on it, retrying up to ConnectionRetryCount times with a
// fixed backoff between attempts before giving up. A channel with no
// registered queues (the publisher channel) is only discarded here; it is
// reopened on its next use.
func (c *Client) recoverChannel(channelName string, cause *amqp.Error) {
	c.bus.Emit(events.Recovering, map[string]interface{}{"channel": channelName, "cause": cause})
	slog.Warn("bunnybus: recovering channel", "channel", channelName, "cause", cause)

	queues := c.queuesForChannel(channelName)

	var lastErr error
	attempt := func() error {
		if err := c.chans.Remove(channelName); err != nil {
			return err
		}
		for _, queue := range queues {
			state := c.recoverableState(queue)
			sub, exists := c.subs.Get(queue)
			if state == nil || !exists {
				continue
			}
			handlers := toHandlerMap(sub.Handlers)
			if err := c.ensureConsuming(queue, state.channelName, state.patterns, handlers); err != nil {
				return err
			}
		}
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), uint64(c.opts.ConnectionRetryCount))
	err := backoff.Retry(func() error {
		err := attempt()
		if err != nil {
			lastErr = err
			slog.Warn("bunnybus: channel recovery attempt failed", "channel", channelName, "error", err)
		}
		return err
	}, b)

	if err == nil {
		c.bus.Emit(events.Recovered, map[string]interface{}{"channel": channelName})
		slog.Info("bunnybus: recovered channel", "channel", channelName)
		return
	}

	c.bus.Emit(events.RecoveryFailed, map[string]interface{}{"channel": channelName, "error": lastErr})
	slog.Error("bunnybus: recovery failed", "channel", channelName, "error", lastErr)
}

func (c *Client) queuesForChannel(channelName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for queue, state := range c.recoverable {
		if state.channelName == channelName {
			out = append(out, queue)
		}
	}
	return out
}

func (c *Client) recoverableState(queue string) *subscribeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoverable[queue]
}

func toHandlerMap(in map[string]submgr.Handler) map[string]HandlerFunc {
	out := make(map[string]HandlerFunc, len(in))
	for k, v := range in {
		if h, ok := v.(HandlerFunc); ok {
			out[k] = h
		}
	}
	return out
}

func firstNonZero(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

// ---- shutdown -------------------------------------------------------------

// Stop closes every channel then every connection the client has opened,
// emitting lifecycle events, and aggregates any close errors with
// hashicorp/go-multierror rather than stopping at the first failure --
// every resource gets a chance to close.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.stopped = true
	queues := make([]string, 0, len(c.recoverable))
	for q := range c.recoverable {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	var result *multierror.Error

	for _, queue := range queues {
		if err := c.Unsubscribe(queue); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := c.chans.Close(PublisherChannelName); err != nil {
		result = multierror.Append(result, err)
	}
	for _, queue := range queues {
		channelName := helpers.QueueChannelName(queue)
		if err := c.chans.Close(channelName); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := c.conns.Close(DefaultConnectionName); err != nil {
		result = multierror.Append(result, err)
	}

	c.subs.ClearAll()

	return result.ErrorOrNil()
}
