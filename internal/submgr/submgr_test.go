package submgr_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dihedron/bunnybus/internal/events"
	"github.com/dihedron/bunnybus/internal/submgr"
)

var _ = Describe("Subscription Manager", func() {
	var (
		bus *events.Bus
		mgr *submgr.Manager
	)

	BeforeEach(func() {
		bus = events.New()
		mgr = submgr.New(bus)
	})

	It("inserts on first create and rejects a collision", func() {
		Expect(mgr.Create("orders", nil, submgr.Options{})).To(BeTrue())
		Expect(mgr.Create("orders", nil, submgr.Options{})).To(BeFalse())
	})

	It("contains exactly zero or one descriptor across a subscribe/unsubscribe cycle", func() {
		Expect(mgr.Contains("orders", false)).To(BeFalse())

		mgr.Create("orders", nil, submgr.Options{})
		Expect(mgr.Contains("orders", false)).To(BeTrue())
		Expect(mgr.Contains("orders", true)).To(BeFalse())

		Expect(mgr.Tag("orders", "tag-1")).To(BeTrue())
		Expect(mgr.Contains("orders", true)).To(BeTrue())

		Expect(mgr.Remove("orders")).To(BeTrue())
		Expect(mgr.Contains("orders", false)).To(BeFalse())
		Expect(mgr.Remove("orders")).To(BeFalse())
	})

	It("tag fails against a non-existent subscription", func() {
		Expect(mgr.Tag("missing", "tag")).To(BeFalse())
	})

	It("clear removes the consumer tag but keeps the descriptor", func() {
		mgr.Create("orders", nil, submgr.Options{})
		mgr.Tag("orders", "tag-1")

		Expect(mgr.Clear("orders")).To(BeTrue())
		sub, ok := mgr.Get("orders")
		Expect(ok).To(BeTrue())
		Expect(sub.ConsumerTag).To(BeEmpty())
	})

	It("get returns a defensive copy", func() {
		mgr.Create("orders", map[string]submgr.Handler{"a": 1}, submgr.Options{})
		sub, ok := mgr.Get("orders")
		Expect(ok).To(BeTrue())
		sub.Handlers["b"] = 2

		sub2, _ := mgr.Get("orders")
		Expect(sub2.Handlers).NotTo(HaveKey("b"))
	})

	It("lists a snapshot of every subscription", func() {
		mgr.Create("a", nil, submgr.Options{})
		mgr.Create("b", nil, submgr.Options{})
		Expect(mgr.List()).To(HaveLen(2))
	})

	It("clearAll clears every consumer tag", func() {
		mgr.Create("a", nil, submgr.Options{})
		mgr.Create("b", nil, submgr.Options{})
		mgr.Tag("a", "tag-a")
		mgr.Tag("b", "tag-b")

		mgr.ClearAll()

		subA, _ := mgr.Get("a")
		subB, _ := mgr.Get("b")
		Expect(subA.ConsumerTag).To(BeEmpty())
		Expect(subB.ConsumerTag).To(BeEmpty())
	})

	Describe("block set", func() {
		It("block/unblock are orthogonal to subscription existence", func() {
			Expect(mgr.Block("orders")).To(BeTrue())
			Expect(mgr.Block("orders")).To(BeFalse(), "already blocked")
			Expect(mgr.IsBlocked("orders")).To(BeTrue())

			mgr.Create("orders", nil, submgr.Options{})
			Expect(mgr.IsBlocked("orders")).To(BeTrue())
			Expect(mgr.Contains("orders", false)).To(BeTrue())

			Expect(mgr.Unblock("orders")).To(BeTrue())
			Expect(mgr.Unblock("orders")).To(BeFalse(), "already unblocked")
		})
	})

	Describe("event emission", func() {
		It("emits subscription.created on insert", func() {
			var seen []events.Name
			bus.On(events.SubscriptionCreated, func(e events.Event) { seen = append(seen, e.Name) })

			mgr.Create("orders", nil, submgr.Options{})
			Expect(seen).To(ConsistOf(events.SubscriptionCreated))
		})

		It("emits subscription.blocked only when newly blocked", func() {
			var count int
			bus.On(events.SubscriptionBlocked, func(e events.Event) { count++ })

			mgr.Block("orders")
			mgr.Block("orders")
			Expect(count).To(Equal(1))
		})
	})
})
