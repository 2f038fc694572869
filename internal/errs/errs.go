// Package errs defines the error taxonomy surfaced by the bunnybus facade
// and its managers: configuration errors, transport/retry errors, and
// subscription errors, as described in the library's design notes on
// error handling.
package errs

import "github.com/pkg/errors"

// ConnectionRetryError is returned when the Connection Manager has
// exhausted its configured number of reconnection attempts.
type ConnectionRetryError struct {
	Name string
	Err  error
}

func (e *ConnectionRetryError) Error() string {
	return "exceeded maximum attempts of retries connecting '" + e.Name + "'"
}

func (e *ConnectionRetryError) Unwrap() error { return e.Err }

// NewConnectionRetryError wraps the last dial error observed while
// retrying a named connection.
func NewConnectionRetryError(name string, cause error) error {
	return errors.WithStack(&ConnectionRetryError{Name: name, Err: cause})
}

// NoRouteKeyError is returned by publish when the message carries no
// resolvable routing key (no Event field and no explicit RouteKeyExtractor
// override).
type NoRouteKeyError struct {
	Reason string
}

func (e *NoRouteKeyError) Error() string { return "no route key: " + e.Reason }

func NewNoRouteKeyError(reason string) error {
	return errors.WithStack(&NoRouteKeyError{Reason: reason})
}

// SubscriptionExistError is returned by Subscribe when a subscription for
// the given queue is already active.
type SubscriptionExistError struct {
	Queue string
}

func (e *SubscriptionExistError) Error() string {
	return "subscription already exists for queue '" + e.Queue + "'"
}

func NewSubscriptionExistError(queue string) error {
	return errors.WithStack(&SubscriptionExistError{Queue: queue})
}

// SubscriptionBlockedError is returned by Subscribe when the queue has
// been explicitly blocked via Client.Block.
type SubscriptionBlockedError struct {
	Queue string
}

func (e *SubscriptionBlockedError) Error() string {
	return "subscription blocked for queue '" + e.Queue + "'"
}

func NewSubscriptionBlockedError(queue string) error {
	return errors.WithStack(&SubscriptionBlockedError{Queue: queue})
}

// NoHandlerFoundError describes the case where no exact or wildcard
// handler matches a delivered message's event. The facade's consume loop
// does not return it: such deliveries are rejected to the error queue with
// the reason "No handler found".
type NoHandlerFoundError struct {
	Event string
}

func (e *NoHandlerFoundError) Error() string {
	return "no handler found for event '" + e.Event + "'"
}

func NewNoHandlerFoundError(event string) error {
	return errors.WithStack(&NoHandlerFoundError{Event: event})
}
