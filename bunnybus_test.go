package bunnybus

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dihedron/bunnybus/internal/chanmgr"
	"github.com/dihedron/bunnybus/internal/connmgr"
	"github.com/dihedron/bunnybus/internal/submgr"
)

var _ = Describe("Options defaulting", func() {
	It("fills in every documented default on a zero value", func() {
		o := Options{}
		o.applyDefaults()

		Expect(o.GlobalExchange).To(Equal("default-exchange"))
		Expect(o.Limit).To(Equal(chanmgr.DefaultPrefetch))
		Expect(o.ErrorQueueSuffix).To(Equal("_error"))
		Expect(o.ConnectionRetryCount).To(Equal(connmgr.DefaultConnectionRetryCount))
		Expect(o.Heartbeat).To(Equal(2 * time.Second))
		Expect(o.RouteKeyExtractor).NotTo(BeNil())
	})

	It("leaves explicitly supplied values untouched", func() {
		o := Options{
			GlobalExchange:       "custom-exchange",
			Limit:                17,
			ErrorQueueSuffix:     "-dead",
			ConnectionRetryCount: 9,
			Heartbeat:            5 * time.Second,
		}
		o.applyDefaults()

		Expect(o.GlobalExchange).To(Equal("custom-exchange"))
		Expect(o.Limit).To(Equal(17))
		Expect(o.ErrorQueueSuffix).To(Equal("-dead"))
		Expect(o.ConnectionRetryCount).To(Equal(9))
		Expect(o.Heartbeat).To(Equal(5 * time.Second))
	})

	It("projects onto connmgr.Options and chanmgr.Options without dropping fields", func() {
		o := Options{
			Server: "broker.local", Port: 5672, VHost: "/", User: "u", Password: "p",
			UseTLS: true, SkipVerifyTLS: true, Heartbeat: 3 * time.Second,
			ConnectionTimeout: 10 * time.Second, ConnectionRetryCount: 4,
			GlobalExchange: "ex", Limit: 12,
		}

		co := o.connOptions()
		Expect(co.Server).To(Equal("broker.local"))
		Expect(co.UseTLS).To(BeTrue())
		Expect(co.RetryCount).To(Equal(4))

		chOpts := o.chanOptions()
		Expect(chOpts.Limit).To(Equal(12))
		Expect(chOpts.GlobalExchange).To(Equal("ex"))
	})
})

var _ = Describe("resolveHandler", func() {
	handlers := map[string]HandlerFunc{
		"order.created": func(ConsumedMessage, Ack, Reject, Requeue, map[string]interface{}) error { return nil },
		"order.*":       func(ConsumedMessage, Ack, Reject, Requeue, map[string]interface{}) error { return nil },
		"#":             func(ConsumedMessage, Ack, Reject, Requeue, map[string]interface{}) error { return nil },
	}

	It("prefers an exact match over any wildcard", func() {
		pattern, _, found := resolveHandler(handlers, "order.created")
		Expect(found).To(BeTrue())
		Expect(pattern).To(Equal("order.created"))
	})

	It("falls back to the most specific wildcard when no exact match exists", func() {
		pattern, _, found := resolveHandler(handlers, "order.updated")
		Expect(found).To(BeTrue())
		Expect(pattern).To(Equal("order.*"))
	})

	It("falls back to the catch-all when nothing more specific matches", func() {
		pattern, _, found := resolveHandler(handlers, "shipment.dispatched")
		Expect(found).To(BeTrue())
		Expect(pattern).To(Equal("#"))
	})

	It("reports not found when no pattern matches at all", func() {
		_, _, found := resolveHandler(map[string]HandlerFunc{"order.created": nil}, "shipment.dispatched")
		Expect(found).To(BeFalse())
	})
})

var _ = Describe("firstNonZero", func() {
	It("prefers the first argument when it is positive", func() {
		Expect(firstNonZero(3, 5)).To(Equal(3))
	})

	It("falls back to the second argument when the first is zero or negative", func() {
		Expect(firstNonZero(0, 5)).To(Equal(5))
		Expect(firstNonZero(-1, 5)).To(Equal(5))
	})
})

var _ = Describe("toHandlerMap", func() {
	It("keeps only entries that are actually HandlerFunc values", func() {
		var called bool
		h := HandlerFunc(func(ConsumedMessage, Ack, Reject, Requeue, map[string]interface{}) error {
			called = true
			return nil
		})

		in := map[string]submgr.Handler{
			"order.created": h,
			"garbage":       "not a handler",
		}

		out := toHandlerMap(in)
		Expect(out).To(HaveLen(1))
		Expect(out).To(HaveKey("order.created"))

		_ = out["order.created"](ConsumedMessage{}, func() error { return nil }, func(string) error { return nil }, func() error { return nil }, nil)
		Expect(called).To(BeTrue())
	})
})

var _ = Describe("recoverable-state bookkeeping", func() {
	It("groups queues by channel name and forgets them once removed", func() {
		c := &Client{recoverable: make(map[string]*subscribeState)}
		c.recoverable["orders"] = &subscribeState{queue: "orders", channelName: "subscribe:orders", patterns: []string{"order.*"}}
		c.recoverable["invoices"] = &subscribeState{queue: "invoices", channelName: "subscribe:invoices", patterns: []string{"invoice.*"}}

		Expect(c.queuesForChannel("subscribe:orders")).To(ConsistOf("orders"))
		Expect(c.recoverableState("orders").patterns).To(ConsistOf("order.*"))
		Expect(c.recoverableState("missing")).To(BeNil())

		delete(c.recoverable, "orders")
		Expect(c.queuesForChannel("subscribe:orders")).To(BeEmpty())
	})
})
