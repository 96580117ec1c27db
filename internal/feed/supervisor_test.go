package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/retry"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var errDown = errors.New("venue unreachable")

// fakeSource scripts a sequence of connect outcomes. A successful connect
// delivers quotesPerConn quotes with strictly increasing ObservedAt, then
// closes the channel unless it is the final connect.
type fakeSource struct {
	mu            sync.Mutex
	failConnects  int // fail this many connects, then succeed
	quotesPerConn int
	stayOpen      bool // keep the last channel open instead of closing it
	connects      int
	seq           int
	base          time.Time
}

func (f *fakeSource) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return nil, errDown
	}

	out := make(chan domain.Quote, f.quotesPerConn)
	for i := 0; i < f.quotesPerConn; i++ {
		f.seq++
		out <- domain.Quote{
			Venue:      "luno",
			Pair:       pair,
			Bid:        dec("90.50"),
			Ask:        dec("89.00"),
			ObservedAt: f.base.Add(time.Duration(f.seq) * time.Millisecond),
		}
	}
	if !f.stayOpen {
		close(out)
	} else {
		// Close on ctx so consume observes a stream end during shutdown.
		go func() {
			<-ctx.Done()
			close(out)
		}()
	}
	return out, nil
}

func (f *fakeSource) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// silentSource connects successfully but never delivers a quote.
type silentSource struct {
	mu       sync.Mutex
	connects int
}

func (s *silentSource) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	s.mu.Lock()
	s.connects++
	s.mu.Unlock()
	out := make(chan domain.Quote)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func (s *silentSource) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// sendableSource records outbound payloads; connects always succeed.
type sendableSource struct {
	silentSource
	sent [][]byte
}

func (s *sendableSource) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return nil
}

func (s *sendableSource) sentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakePoller struct {
	mu    sync.Mutex
	polls int
	base  time.Time
}

func (p *fakePoller) PollQuote(ctx context.Context, pair string) (domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	return domain.Quote{
		Venue:      "luno",
		Pair:       pair,
		Bid:        dec("90.40"),
		Ask:        dec("89.10"),
		ObservedAt: p.base.Add(time.Duration(p.polls) * time.Millisecond),
	}, nil
}

func (p *fakePoller) pollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

type collectSink struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (c *collectSink) Submit(q domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = append(c.quotes, q)
}

func (c *collectSink) all() []domain.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Quote, len(c.quotes))
	copy(out, c.quotes)
	return out
}

type captureAlerts struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (c *captureAlerts) Alert(ctx context.Context, ev domain.AlertEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureAlerts) byType(t domain.AlertType) []domain.AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.AlertEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func fastConfig() SupervisorConfig {
	return SupervisorConfig{
		Venue:          "luno",
		Pair:           "XBT/MYR",
		Reconnect:      retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		HeartbeatEvery: time.Second,
		StallAfter:     3,
		PollEvery:      5 * time.Millisecond,
		PollWindow:     20 * time.Millisecond,
		OutboxSize:     16,
	}
}

func TestSupervisor_ResumesAfterDisconnectsWithoutReorder(t *testing.T) {
	src := &fakeSource{quotesPerConn: 5, stayOpen: false, base: time.Now().UTC()}
	sink := &collectSink{}
	alerts := &captureAlerts{}

	sup := NewSupervisor(fastConfig(), src, nil, sink, alerts, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	// Each connect delivers 5 quotes then disconnects; wait for several
	// reconnect cycles' worth of output.
	require.Eventually(t, func() bool {
		return len(sink.all()) >= 15
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	<-done

	got := sink.all()
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].ObservedAt.After(got[i-1].ObservedAt),
			"quote %d not strictly newer than its predecessor", i)
	}
	assert.GreaterOrEqual(t, src.connectCount(), 3)

	// Every reconnect succeeded within the attempt cap, so no episode opened.
	assert.Empty(t, alerts.byType(domain.AlertConnectivityDegraded))
	assert.Empty(t, alerts.byType(domain.AlertConnectivityRestored))
}

func TestSupervisor_DegradedAlertOncePerEpisodeAndPollFallback(t *testing.T) {
	src := &fakeSource{failConnects: 1 << 30, base: time.Now().UTC()}
	poller := &fakePoller{base: time.Now().UTC()}
	sink := &collectSink{}
	alerts := &captureAlerts{}

	sup := NewSupervisor(fastConfig(), src, poller, sink, alerts, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	// Wait long enough for several exhausted connect cycles and poll windows.
	require.Eventually(t, func() bool {
		return poller.pollCount() >= 5 && src.connectCount() >= 4
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	<-done

	assert.Len(t, alerts.byType(domain.AlertConnectivityDegraded), 1)
	assert.Empty(t, alerts.byType(domain.AlertConnectivityRestored))
	assert.NotEmpty(t, sink.all(), "poll fallback should keep price flow alive")
}

func TestSupervisor_RestoredAfterRecovery(t *testing.T) {
	// First connect cycle exhausts both attempts, then the stream recovers.
	src := &fakeSource{failConnects: 2, quotesPerConn: 3, stayOpen: true, base: time.Now().UTC()}
	poller := &fakePoller{base: time.Now().UTC()}
	sink := &collectSink{}
	alerts := &captureAlerts{}

	sup := NewSupervisor(fastConfig(), src, poller, sink, alerts, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return sup.State() == StateConnected
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	<-done

	assert.Len(t, alerts.byType(domain.AlertConnectivityDegraded), 1)
	assert.Len(t, alerts.byType(domain.AlertConnectivityRestored), 1)
}

func TestSupervisor_HeartbeatStallForcesReconnect(t *testing.T) {
	src := &silentSource{}
	sink := &collectSink{}

	cfg := fastConfig()
	cfg.HeartbeatEvery = 5 * time.Millisecond
	cfg.StallAfter = 2

	sup := NewSupervisor(cfg, src, nil, sink, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return src.connectCount() >= 3
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	<-done
}

func TestSupervisor_OutboxDropsOldestWhileDisconnected(t *testing.T) {
	src := &sendableSource{}
	sink := &collectSink{}

	cfg := fastConfig()
	cfg.OutboxSize = 2

	sup := NewSupervisor(cfg, src, nil, sink, nil, discard())

	// Queue three payloads before Run ever connects.
	require.NoError(t, sup.Send(context.Background(), []byte("a")))
	require.NoError(t, sup.Send(context.Background(), []byte("b")))
	require.NoError(t, sup.Send(context.Background(), []byte("c")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(src.sentPayloads()) == 2
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	<-done

	sent := src.sentPayloads()
	require.Len(t, sent, 2)
	assert.Equal(t, "b", string(sent[0]))
	assert.Equal(t, "c", string(sent[1]))
}

func TestSupervisor_SendRejectedWithoutSender(t *testing.T) {
	sup := NewSupervisor(fastConfig(), &fakeSource{}, nil, &collectSink{}, nil, discard())
	err := sup.Send(context.Background(), []byte("x"))
	require.Error(t, err)
}
