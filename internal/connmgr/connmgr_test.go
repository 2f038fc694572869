package connmgr_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dihedron/bunnybus/internal/connmgr"
	"github.com/dihedron/bunnybus/internal/errs"
	"github.com/dihedron/bunnybus/internal/events"
)

var _ = Describe("Connection Manager", func() {
	var (
		bus *connmgrEventsBus
		mgr *connmgr.Manager
	)

	BeforeEach(func() {
		bus = newConnmgrEventsBus()
		mgr = connmgr.New(bus.Bus)
	})

	It("fails synchronously when no name is supplied", func() {
		_, err := mgr.Create("", connmgr.Options{Server: "localhost"}, connmgr.NetOptions{})
		Expect(err).To(HaveOccurred())
	})

	It("fails synchronously when connectionOptions are missing", func() {
		_, err := mgr.Create("primary", connmgr.Options{}, connmgr.NetOptions{})
		Expect(err).To(HaveOccurred())
	})

	It("reports contains=false and get=nil for an unknown name", func() {
		Expect(mgr.Contains("primary")).To(BeFalse())
		Expect(mgr.Get("primary")).To(BeNil())
		Expect(mgr.GetConnection("primary")).To(BeNil())
	})

	It("close and remove on an unknown name are a no-op success", func() {
		Expect(mgr.Close("primary")).NotTo(HaveOccurred())
		Expect(mgr.Remove("primary")).NotTo(HaveOccurred())
	})

	It("exhausts connectionRetryCount and fails with a retry error against an unreachable host", func() {
		_, err := mgr.Create("primary", connmgr.Options{
			Server:     "127.0.0.1",
			Port:       1, // nothing listens here
			RetryCount: 1,
		}, connmgr.NetOptions{})
		Expect(err).To(HaveOccurred())
		var retryErr *errs.ConnectionRetryError
		Expect(errors.As(err, &retryErr)).To(BeTrue())
		Expect(mgr.Contains("primary")).To(BeTrue(), "the descriptor survives a failed dial so identity is retained")
	})
})

// connmgrEventsBus is a thin wrapper so the suite doesn't need to import
// the events package's Bus type directly in every assertion.
type connmgrEventsBus struct {
	*events.Bus
}

func newConnmgrEventsBus() *connmgrEventsBus {
	return &connmgrEventsBus{Bus: events.New()}
}
