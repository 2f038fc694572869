// Package helpers implements the small, stateless building blocks shared by
// the rest of bunnybus: message header construction, routing-key
// derivation, payload encode/decode, transaction-id generation, and
// partition-key template resolution. None of it touches the broker.
package helpers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// Version is the library identifier stamped into every published message's
// "bunnyBus" header.
const Version = "bunnybus-go/1.0"

// Header names used throughout the headers mapping described in the data
// model: transaction id, creation time, library marker, producer source,
// routing key, retry accounting, and the requeue/reject timestamps.
const (
	HeaderTransactionID = "transactionId"
	HeaderCreatedAt      = "createdAt"
	HeaderBunnyBus       = "bunnyBus"
	HeaderSource         = "source"
	HeaderRouteKey       = "routeKey"
	HeaderRetryCount     = "retryCount"
	HeaderRequeuedAt     = "requeuedAt"
	HeaderErroredAt      = "erroredAt"
	HeaderReason         = "reason"
)

// NewTransactionID returns a fresh ~40-character opaque transaction
// identifier, stable across requeues once assigned to a message.
func NewTransactionID() string {
	return uuid.NewV4().String()
}

// ISONow formats the current instant as an ISO-8601 timestamp, the format
// used for createdAt/requeuedAt/erroredAt headers.
func ISONow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Headers is the mutable header bag attached to every published message;
// it wraps a plain map so callers can pass it straight to amqp.Table.
type Headers map[string]interface{}

// Clone returns a shallow copy so a requeue/reject can mutate retryCount
// and timestamps without disturbing the delivery's original headers.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// GetString returns the string value at key, or "" if absent or not a
// string (AMQP tables decode JSON numbers/strings losslessly but are
// typed as interface{}).
func (h Headers) GetString(key string) string {
	if v, ok := h[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt64 returns the integer value at key, defaulting to 0. retryCount
// travels the wire as whichever integer width the AMQP table codec chose.
func (h Headers) GetInt64(key string) int64 {
	switch v := h[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// NewPublishHeaders builds the header set for a brand new outbound
// message: fresh transactionId and createdAt unless the caller already
// set them (so publish(message) is idempotent if retried), the library
// marker, the routing key, and an initial retryCount of 0.
func NewPublishHeaders(existing Headers, source, routeKey string) Headers {
	h := Headers{}
	if existing != nil {
		h = existing.Clone()
	}
	if h.GetString(HeaderTransactionID) == "" {
		h[HeaderTransactionID] = NewTransactionID()
	}
	if h.GetString(HeaderCreatedAt) == "" {
		h[HeaderCreatedAt] = ISONow()
	}
	h[HeaderBunnyBus] = Version
	h[HeaderRouteKey] = routeKey
	if source != "" {
		h[HeaderSource] = source
	}
	if _, ok := h[HeaderRetryCount]; !ok {
		h[HeaderRetryCount] = int64(0)
	}
	return h
}

// RequeueHeaders derives the header set for a requeue: transactionId and
// createdAt are preserved verbatim, retryCount is incremented, and
// requeuedAt is stamped with the current time.
func RequeueHeaders(original Headers) Headers {
	h := original.Clone()
	h[HeaderRetryCount] = original.GetInt64(HeaderRetryCount) + 1
	h[HeaderRequeuedAt] = ISONow()
	return h
}

// RejectHeaders derives the header set for a reject: retryCount is
// incremented only if the message had already been seen once before
// (matching the source's "already seen" accounting), erroredAt is
// stamped, and reason is recorded when supplied.
func RejectHeaders(original Headers, reason string) Headers {
	h := original.Clone()
	if original.GetInt64(HeaderRetryCount) > 0 {
		h[HeaderRetryCount] = original.GetInt64(HeaderRetryCount) + 1
	}
	h[HeaderErroredAt] = ISONow()
	if reason != "" {
		h[HeaderReason] = reason
	}
	return h
}

// RouteKeyExtractor resolves the routing key for an outbound message.
// The default implementation reads the "event" field of the JSON-encoded
// message payload.
type RouteKeyExtractor func(message interface{}) (string, error)

// EventField is the shape every published message is expected to
// minimally satisfy: an Event string used to derive the routing key.
type EventField struct {
	Event string `json:"event"`
}

// DefaultRouteKeyExtractor implements the spec's default behaviour:
// marshal message to JSON, read back its "event" field.
func DefaultRouteKeyExtractor(message interface{}) (string, error) {
	encoded, err := Encode(message)
	if err != nil {
		return "", errors.Wrap(err, "unable to encode message for route key extraction")
	}
	var ev EventField
	if err := json.Unmarshal(encoded, &ev); err != nil {
		return "", errors.Wrap(err, "unable to decode event field")
	}
	if ev.Event == "" {
		return "", errors.New("message has no event field")
	}
	return ev.Event, nil
}

// Encode marshals a message to its wire representation: UTF-8 JSON.
func Encode(message interface{}) ([]byte, error) {
	b, err := json.Marshal(message)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal message payload")
	}
	return b, nil
}

// Decode unmarshals a wire payload into an arbitrary JSON document,
// usable both for dispatch (to resolve the event and partition key) and
// for re-marshaling on requeue/reject.
func Decode(payload []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.Wrap(err, "could not decode JSON")
	}
	return out, nil
}

// DefaultPartitionValue is used when no selector resolves to a non-empty
// value, or no selectors are configured at all.
const DefaultPartitionValue = "default"

// ResolvePartitionValue evaluates an ordered list of "{path.to.field}"
// templates against a decoded message payload and returns the first
// non-empty resolution, falling back to DefaultPartitionValue.
func ResolvePartitionValue(selectors []string, message map[string]interface{}) string {
	for _, selector := range selectors {
		path, ok := templatePath(selector)
		if !ok {
			continue
		}
		if value, ok := lookupPath(message, path); ok {
			if s := stringify(value); s != "" {
				return s
			}
		}
	}
	return DefaultPartitionValue
}

// templatePath strips the "{" "}" delimiters from a selector template and
// splits it into a dotted path, e.g. "{message.serialNumber}" -> ["message", "serialNumber"].
func templatePath(selector string) ([]string, bool) {
	selector = strings.TrimSpace(selector)
	if !strings.HasPrefix(selector, "{") || !strings.HasSuffix(selector, "}") {
		return nil, false
	}
	inner := selector[1 : len(selector)-1]
	if inner == "" {
		return nil, false
	}
	return strings.Split(inner, "."), true
}

func lookupPath(message map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = message
	for _, segment := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[segment]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return json.Number(trimFloat(v)).String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func trimFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// QueueChannelName returns the per-queue consumer channel name, the
// well-known naming convention "subscribe:<queue>".
func QueueChannelName(queue string) string {
	return "subscribe:" + queue
}

// ErrorQueueName returns the sidecar error-queue name for a subscribed
// queue: "<queue>_error".
func ErrorQueueName(queue string) string {
	return queue + "_error"
}

// MatchRouteKey implements AMQP topic-exchange matching semantics against
// a dotted routing key: "*" matches exactly one word, "#" matches zero or
// more words. Used to resolve the best handler for a decoded event when
// no exact key matches.
func MatchRouteKey(pattern, routeKey string) bool {
	if pattern == routeKey {
		return true
	}
	patternWords := strings.Split(pattern, ".")
	keyWords := strings.Split(routeKey, ".")
	return matchWords(patternWords, keyWords)
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	head, rest := pattern[0], pattern[1:]
	switch head {
	case "#":
		if matchWords(rest, key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchWords(rest, key[1:])
	default:
		if len(key) == 0 || key[0] != head {
			return false
		}
		return matchWords(rest, key[1:])
	}
}

// BestMatch returns the most specific pattern (the highest specificity
// score; on a tie, the first such candidate in order) among the candidate
// handler keys that matches routeKey, and whether any candidate matched.
func BestMatch(candidates []string, routeKey string) (string, bool) {
	var best string
	var found bool
	bestScore := -1
	for _, candidate := range candidates {
		if !MatchRouteKey(candidate, routeKey) {
			continue
		}
		score := specificity(candidate)
		if !found || score > bestScore {
			best, bestScore, found = candidate, score, true
		}
	}
	return best, found
}

// specificity scores a pattern so that literal segments outrank "*" which
// outranks "#", and longer patterns outrank shorter ones of equal shape.
func specificity(pattern string) int {
	words := strings.Split(pattern, ".")
	score := 0
	for _, w := range words {
		switch w {
		case "#":
			score += 1
		case "*":
			score += 10
		default:
			score += 100
		}
	}
	return score
}
