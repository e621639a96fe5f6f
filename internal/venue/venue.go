// Package venue defines the adapter contract between the connection pool and
// the per-venue wire protocols. Adapters translate canonical instrument keys
// into subscribe/unsubscribe control frames and inbound wire messages into
// canonical events; they never own connection lifecycle.
package venue

import (
	"context"
	"errors"
	"time"

	"depthflow/models"
)

// ErrProtocol marks a malformed or unparseable inbound message. The offending
// message is dropped and logged; the connection stays up.
var ErrProtocol = errors.New("venue: malformed message")

// ErrSubscriptionLimit is returned when a subscribe batch would exceed the
// venue's topic cap. This is a caller contract violation, not a transport
// failure; callers shard topics into smaller batches.
var ErrSubscriptionLimit = errors.New("venue: subscription batch exceeds venue limit")

// Normalizer converts a venue-native identifier to the canonical display
// symbol. It is injected as a pure dependency; this engine never owns
// normalization rules.
type Normalizer func(venue, native string) string

// Adapter is one venue's protocol personality.
type Adapter interface {
	Name() string

	// StreamURL is the websocket endpoint for the given logical channel.
	StreamURL(ch models.Channel) string

	// NativeSymbol maps a canonical symbol to the venue-native identifier
	// used in control frames and topics.
	NativeSymbol(canonical string) string

	// SubscribeFrames builds the control frames subscribing the native
	// symbols on the logical channel, sharded to the venue's batch cap.
	SubscribeFrames(ch models.Channel, natives []string) ([][]byte, error)

	// UnsubscribeFrames builds the partial-unsubscribe frames, or nil when
	// the venue protocol does not support partial unsubscribe.
	UnsubscribeFrames(ch models.Channel, natives []string) ([][]byte, error)

	// Heartbeat returns the keepalive interval and the frame to send. A nil
	// frame means a websocket ping control frame.
	Heartbeat() (time.Duration, []byte)

	// Parse converts one inbound wire message into canonical events keyed by
	// native symbol. Control frames (acks, pongs) yield (nil, nil). Malformed
	// payloads return an error wrapping ErrProtocol.
	Parse(raw []byte) ([]models.Event, error)

	// FetchSnapshot retrieves an orderbook snapshot over REST, used to seed
	// state before the first streaming push or after a reconnect.
	FetchSnapshot(ctx context.Context, native string) (*models.BookSnapshot, error)

	// FetchTicker recovers a ticker sample over REST when the stream is
	// known stale.
	FetchTicker(ctx context.Context, native string) (*models.TickerSample, error)
}

// Shard splits natives into batches of at most max topics, preserving order.
func Shard(natives []string, max int) [][]string {
	if max <= 0 {
		return [][]string{natives}
	}
	var out [][]string
	for len(natives) > max {
		out = append(out, natives[:max])
		natives = natives[max:]
	}
	if len(natives) > 0 {
		out = append(out, natives)
	}
	return out
}
