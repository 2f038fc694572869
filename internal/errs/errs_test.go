package errs_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dihedron/bunnybus/internal/errs"
)

var _ = Describe("Error taxonomy", func() {
	It("wraps the dial cause in ConnectionRetryError and keeps it unwrappable", func() {
		cause := errors.New("dial tcp: connection refused")
		err := errs.NewConnectionRetryError("primary", cause)

		var retryErr *errs.ConnectionRetryError
		Expect(errors.As(err, &retryErr)).To(BeTrue())
		Expect(retryErr.Name).To(Equal("primary"))
		Expect(errors.Unwrap(retryErr)).To(Equal(cause))
	})

	It("identifies a subscription-exist error by type", func() {
		err := errs.NewSubscriptionExistError("orders")
		var existErr *errs.SubscriptionExistError
		Expect(errors.As(err, &existErr)).To(BeTrue())
		Expect(existErr.Queue).To(Equal("orders"))
	})

	It("identifies a subscription-blocked error by type", func() {
		err := errs.NewSubscriptionBlockedError("orders")
		var blockedErr *errs.SubscriptionBlockedError
		Expect(errors.As(err, &blockedErr)).To(BeTrue())
	})

	It("identifies a no-handler-found error by type", func() {
		err := errs.NewNoHandlerFoundError("abc.xyz")
		var noHandlerErr *errs.NoHandlerFoundError
		Expect(errors.As(err, &noHandlerErr)).To(BeTrue())
		Expect(noHandlerErr.Event).To(Equal("abc.xyz"))
	})

	It("identifies a no-route-key error by type", func() {
		err := errs.NewNoRouteKeyError("missing event field")
		var noRouteErr *errs.NoRouteKeyError
		Expect(errors.As(err, &noRouteErr)).To(BeTrue())
	})
})
