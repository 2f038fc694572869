package events_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dihedron/bunnybus/internal/events"
)

var _ = Describe("Bus", func() {
	It("fans an emitted event out to every registered listener", func() {
		bus := events.New()

		var a, b int
		bus.On(events.Recovering, func(events.Event) { a++ })
		bus.On(events.Recovering, func(events.Event) { b++ })

		bus.Emit(events.Recovering, nil)

		Expect(a).To(Equal(1))
		Expect(b).To(Equal(1))
	})

	It("only notifies listeners registered for the emitted name", func() {
		bus := events.New()

		var recovered, failed int
		bus.On(events.Recovered, func(events.Event) { recovered++ })
		bus.On(events.RecoveryFailed, func(events.Event) { failed++ })

		bus.Emit(events.Recovered, nil)

		Expect(recovered).To(Equal(1))
		Expect(failed).To(Equal(0))
	})

	It("passes the data bag through to the listener", func() {
		bus := events.New()

		var got map[string]interface{}
		bus.On(events.QueueSubscribed, func(e events.Event) { got = e.Data })

		bus.Emit(events.QueueSubscribed, map[string]interface{}{"queue": "orders"})

		Expect(got).To(HaveKeyWithValue("queue", "orders"))
	})

	It("allows a listener to register further listeners without deadlocking", func() {
		bus := events.New()

		done := make(chan struct{})
		bus.On(events.Recovering, func(events.Event) {
			bus.On(events.Recovered, func(events.Event) { close(done) })
			bus.Emit(events.Recovered, nil)
		})

		bus.Emit(events.Recovering, nil)

		Eventually(done).Should(BeClosed())
	})
})
