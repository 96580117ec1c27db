package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mzulkifli/arbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 15 * time.Second
)

// DecodeFunc turns one raw venue message into a normalized Quote. The second
// return value is false for messages that carry no quote (acks, heartbeats,
// unknown frames); those are dropped silently.
type DecodeFunc func(raw []byte) (domain.Quote, bool)

// SubscribeFunc builds the venue-specific subscription payload for a pair.
// It is sent once per connection, right after the dial succeeds.
type SubscribeFunc func(pair string) any

// WSQuoteStream is a venue-agnostic WebSocket quote source. Each venue
// supplies its own subscription payload builder and message decoder; the
// connection lifecycle, keepalive, and channel plumbing are shared.
//
// Stream opens one connection per call. Reconnection is the supervisor's job,
// not the stream's: when the connection drops, the returned channel closes and
// the caller decides what happens next.
type WSQuoteStream struct {
	venue     string
	wsURL     string
	subscribe SubscribeFunc
	decode    DecodeFunc
	logger    *slog.Logger
}

// NewWSQuoteStream creates a stream source for one venue endpoint.
func NewWSQuoteStream(venue, wsURL string, subscribe SubscribeFunc, decode DecodeFunc, logger *slog.Logger) *WSQuoteStream {
	return &WSQuoteStream{
		venue:     venue,
		wsURL:     wsURL,
		subscribe: subscribe,
		decode:    decode,
		logger:    logger.With(slog.String("component", "ws_quote_stream"), slog.String("venue", venue)),
	}
}

// StreamQuotes dials the venue, subscribes to the pair, and returns a channel
// of decoded quotes. The channel is closed when the connection ends for any
// reason, including ctx cancellation.
func (w *WSQuoteStream) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed/ws: connect %s: %w", w.venue, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if w.subscribe != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(w.subscribe(pair)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("feed/ws: subscribe %s %s: %w", w.venue, pair, err)
		}
	}

	out := make(chan domain.Quote, 64)
	done := make(chan struct{})

	// Unblock the read loop when the caller gives up on the connection.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go w.pingLoop(conn, done)
	go w.readLoop(conn, pair, out, done)

	return out, nil
}

// readLoop reads frames until the connection errors, decoding each into a
// quote. It owns closing both the connection and the output channel.
func (w *WSQuoteStream) readLoop(conn *websocket.Conn, pair string, out chan<- domain.Quote, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()
		close(out)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			w.logger.Debug("read loop ended", slog.String("error", err.Error()))
			return
		}

		q, ok := w.decode(raw)
		if !ok {
			continue
		}
		if q.Venue == "" {
			q.Venue = w.venue
		}
		if q.Pair == "" {
			q.Pair = pair
		}

		select {
		case out <- q:
		default:
			// Receiver is behind; a newer quote supersedes this one anyway.
		}
	}
}

// pingLoop keeps the connection alive until the read loop ends.
func (w *WSQuoteStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
