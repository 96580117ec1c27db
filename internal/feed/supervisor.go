// Package feed owns venue connectivity: one supervisor per venue keeps a live
// quote stream running, reconnecting with backoff and degrading to periodic
// polling when the stream stays down, so price flow slows rather than stops.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/retry"
)

// ConnState is the supervisor's connectivity state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// QuoteSource is the restartable stream a supervisor owns. VenueClient
// satisfies it; so does WSQuoteStream directly.
type QuoteSource interface {
	StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error)
}

// Sender is optionally implemented by sources that accept outbound venue
// messages (subscription changes and the like).
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// QuoteSink receives every quote the supervisor obtains. The aggregator
// satisfies it.
type QuoteSink interface {
	Submit(q domain.Quote)
}

// SupervisorConfig tunes one venue supervisor.
type SupervisorConfig struct {
	Venue string
	Pair  string

	// Reconnect bounds one connect cycle: attempt cap plus the backoff curve.
	Reconnect retry.Policy

	// HeartbeatEvery and StallAfter detect silent stalls: StallAfter
	// consecutive heartbeat intervals without a quote force a reconnect.
	HeartbeatEvery time.Duration
	StallAfter     int

	// PollEvery is the degraded-mode poll cadence; PollWindow is how long to
	// poll before retrying the stream.
	PollEvery  time.Duration
	PollWindow time.Duration

	// OutboxSize bounds messages queued while disconnected, drop-oldest.
	OutboxSize int
}

func (c *SupervisorConfig) fillDefaults() {
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect = retry.Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Jitter: 0.2}
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 15 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 3
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 10 * time.Second
	}
	if c.PollWindow <= 0 {
		c.PollWindow = time.Minute
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 16
	}
}

// Supervisor owns the connection lifecycle for one venue and forwards every
// quote it obtains, streamed or polled, into the sink. One failure episode
// produces exactly one connectivity_degraded alert; the matching restored
// alert fires when the stream comes back.
type Supervisor struct {
	cfg     SupervisorConfig
	source  QuoteSource
	poller  domain.QuotePoller
	sink    QuoteSink
	alerter domain.Alerter
	logger  *slog.Logger

	state    atomic.Int32
	degraded atomic.Bool

	mu     sync.Mutex
	outbox [][]byte
}

// NewSupervisor creates a supervisor. poller may be nil when the venue has no
// poll fallback; alerter may be nil.
func NewSupervisor(cfg SupervisorConfig, source QuoteSource, poller domain.QuotePoller, sink QuoteSink, alerter domain.Alerter, logger *slog.Logger) *Supervisor {
	cfg.fillDefaults()
	return &Supervisor{
		cfg:     cfg,
		source:  source,
		poller:  poller,
		sink:    sink,
		alerter: alerter,
		logger: logger.With(
			slog.String("component", "supervisor"),
			slog.String("venue", cfg.Venue),
		),
	}
}

// State returns the current connectivity state.
func (s *Supervisor) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Supervisor) setState(st ConnState) {
	prev := ConnState(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("state change",
			slog.String("from", prev.String()),
			slog.String("to", st.String()),
		)
	}
}

// Send delivers an outbound message to the venue connection. While
// disconnected the message is queued in a bounded drop-oldest outbox and
// flushed after the next successful connect.
func (s *Supervisor) Send(ctx context.Context, payload []byte) error {
	snd, ok := s.source.(Sender)
	if !ok {
		return fmt.Errorf("feed: venue %s accepts no outbound messages", s.cfg.Venue)
	}

	if s.State() == StateConnected {
		return snd.Send(ctx, payload)
	}

	s.mu.Lock()
	if len(s.outbox) >= s.cfg.OutboxSize {
		s.outbox = s.outbox[1:]
		s.logger.Warn("outbox full, dropping oldest queued message")
	}
	s.outbox = append(s.outbox, payload)
	s.mu.Unlock()
	return nil
}

// Run drives the connect / consume / reconnect cycle until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor started", slog.String("pair", s.cfg.Pair))
	defer s.logger.Info("supervisor stopped")
	defer s.setState(StateDisconnected)

	connectedBefore := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if connectedBefore {
			s.setState(StateReconnecting)
		} else {
			s.setState(StateConnecting)
		}

		quotes, cancel, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.setState(StateFailed)
			s.markDegraded(ctx, err)
			if s.poller == nil {
				// No fallback; wait out one backoff cap and try again.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.cfg.Reconnect.MaxDelay):
				}
				continue
			}
			if err := s.poll(ctx); err != nil {
				return err
			}
			continue
		}

		connectedBefore = true
		s.setState(StateConnected)
		s.markRestored(ctx)
		s.flushOutbox(ctx)
		s.consume(ctx, quotes, cancel)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// open attempts to start the quote stream, retrying with backoff up to the
// configured attempt cap. The returned cancel tears down the stream.
func (s *Supervisor) open(ctx context.Context) (<-chan domain.Quote, context.CancelFunc, error) {
	var (
		quotes  <-chan domain.Quote
		cancel  context.CancelFunc
		attempt int
	)

	err := retry.Do(ctx, s.cfg.Reconnect, func(ctx context.Context) error {
		attempt++
		streamCtx, c := context.WithCancel(ctx)
		ch, err := s.source.StreamQuotes(streamCtx, s.cfg.Pair)
		if err != nil {
			c()
			s.logger.Warn("connect attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}
		quotes = ch
		cancel = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return quotes, cancel, nil
}

// consume forwards quotes until the stream ends, ctx is cancelled, or the
// stream stalls past the heartbeat allowance.
func (s *Supervisor) consume(ctx context.Context, quotes <-chan domain.Quote, cancel context.CancelFunc) {
	defer cancel()

	heartbeat := time.NewTicker(s.cfg.HeartbeatEvery)
	defer heartbeat.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				s.logger.Warn("quote stream ended")
				return
			}
			misses = 0
			s.sink.Submit(q)
		case <-heartbeat.C:
			misses++
			if misses >= s.cfg.StallAfter {
				s.logger.Warn("quote stream stalled, forcing reconnect",
					slog.Int("missed_heartbeats", misses),
				)
				return
			}
		}
	}
}

// poll runs the degraded-mode loop: periodic single-quote polls for one
// window, after which the caller retries the stream.
func (s *Supervisor) poll(ctx context.Context) error {
	s.logger.Info("degraded to poll fallback",
		slog.Duration("every", s.cfg.PollEvery),
		slog.Duration("window", s.cfg.PollWindow),
	)

	deadline := time.Now().Add(s.cfg.PollWindow)
	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollEvery)
			q, err := s.poller.PollQuote(pollCtx, s.cfg.Pair)
			cancel()
			if err != nil {
				s.logger.Warn("poll failed", slog.String("error", err.Error()))
			} else {
				s.sink.Submit(q)
			}
			if time.Now().After(deadline) {
				return nil
			}
		}
	}
}

func (s *Supervisor) flushOutbox(ctx context.Context) {
	snd, ok := s.source.(Sender)
	if !ok {
		return
	}

	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for i, payload := range pending {
		if err := snd.Send(ctx, payload); err != nil {
			s.logger.Warn("outbox flush failed, requeueing",
				slog.Int("remaining", len(pending)-i),
				slog.String("error", err.Error()),
			)
			s.mu.Lock()
			s.outbox = append(pending[i:], s.outbox...)
			s.mu.Unlock()
			return
		}
	}
}

// markDegraded emits the connectivity_degraded alert once per failure episode.
func (s *Supervisor) markDegraded(ctx context.Context, cause error) {
	if s.degraded.Swap(true) {
		return
	}
	s.logger.Error("reconnect attempts exhausted, connectivity degraded",
		slog.String("error", cause.Error()),
	)
	if s.alerter != nil {
		s.alerter.Alert(ctx, domain.NewAlert(domain.AlertConnectivityDegraded, domain.SeverityWarning, map[string]string{
			"venue": s.cfg.Venue,
			"pair":  s.cfg.Pair,
			"error": cause.Error(),
		}))
	}
}

// markRestored closes a failure episode after a successful connect.
func (s *Supervisor) markRestored(ctx context.Context) {
	if !s.degraded.Swap(false) {
		return
	}
	s.logger.Info("connectivity restored")
	if s.alerter != nil {
		s.alerter.Alert(ctx, domain.NewAlert(domain.AlertConnectivityRestored, domain.SeverityInfo, map[string]string{
			"venue": s.cfg.Venue,
			"pair":  s.cfg.Pair,
		}))
	}
}
