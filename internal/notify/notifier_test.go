package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzulkifli/arbot/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeSender struct {
	mu    sync.Mutex
	name  string
	err   error
	sent  []string
	title []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.title = append(f.title, title)
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

// blockingSender holds every Send until release is closed.
type blockingSender struct {
	name    string
	release chan struct{}
}

func (b *blockingSender) Send(ctx context.Context, title, message string) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingSender) Name() string { return b.name }

type fakeBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func event(t domain.AlertType) domain.AlertEvent {
	return domain.AlertEvent{
		Type:     t,
		Severity: domain.SeverityInfo,
		Payload:  map[string]string{"venue": "luno", "pair": "XBT/MYR"},
		At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotifier_FiltersByEventType(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{"execution_completed"}, nil, "", discard())

	n.Alert(context.Background(), event(domain.AlertOpportunityFound))
	n.Alert(context.Background(), event(domain.AlertExecutionCompleted))
	require.NoError(t, n.Close())

	assert.Len(t, sender.sent, 1)
}

func TestNotifier_EmptyFilterAllowsEverything(t *testing.T) {
	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, nil, nil, "", discard())

	n.Alert(context.Background(), event(domain.AlertOpportunityFound))
	n.Alert(context.Background(), event(domain.AlertPartialFill))
	require.NoError(t, n.Close())

	assert.Len(t, sender.sent, 2)
}

func TestNotifier_FailingSenderDoesNotBlockOthers(t *testing.T) {
	broken := &fakeSender{name: "broken", err: errors.New("down")}
	working := &fakeSender{name: "working"}
	n := NewNotifier([]Sender{broken, working}, nil, nil, "", discard())

	n.Alert(context.Background(), event(domain.AlertExecutionFailed))
	require.NoError(t, n.Close())

	assert.Len(t, working.sent, 1)
}

func TestNotifier_SlowSenderDoesNotBlockAlert(t *testing.T) {
	release := make(chan struct{})
	slow := &blockingSender{name: "slow", release: release}
	n := NewNotifier([]Sender{slow}, nil, nil, "", discard())

	start := time.Now()
	for i := 0; i < 10; i++ {
		n.Alert(context.Background(), event(domain.AlertRiskBlock))
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 100*time.Millisecond, "enqueueing must not wait on delivery")
	close(release)
	require.NoError(t, n.Close())
}

func TestNotifier_OverflowDropsAndCounts(t *testing.T) {
	release := make(chan struct{})
	slow := &blockingSender{name: "slow", release: release}
	n := NewNotifier([]Sender{slow}, nil, nil, "", discard())

	// One event blocks in the worker; the queue holds queueSize more.
	for i := 0; i < queueSize+5; i++ {
		n.Alert(context.Background(), event(domain.AlertRiskBlock))
	}
	assert.GreaterOrEqual(t, n.Dropped(), uint64(1))

	close(release)
	require.NoError(t, n.Close())
}

func TestNotifier_MirrorsOntoEventBus(t *testing.T) {
	bus := &fakeBus{}
	n := NewNotifier(nil, nil, bus, "arbot:alerts", discard())

	n.Alert(context.Background(), event(domain.AlertRiskBlock))
	require.NoError(t, n.Close())

	require.Len(t, bus.payloads, 1)
	var decoded struct {
		Type     string            `json:"type"`
		Severity string            `json:"severity"`
		Payload  map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(bus.payloads[0], &decoded))
	assert.Equal(t, "risk_block", decoded.Type)
	assert.Equal(t, "info", decoded.Severity)
	assert.Equal(t, "luno", decoded.Payload["venue"])
}

func TestRender_StableKeyOrder(t *testing.T) {
	ev := event(domain.AlertOpportunityFound)
	title, m1 := render(ev)
	_, m2 := render(ev)
	assert.Equal(t, "[INFO] opportunity_found", title)
	assert.Equal(t, m1, m2)
	assert.Contains(t, m1, "pair: XBT/MYR")
	assert.Contains(t, m1, "venue: luno")
}

func TestTelegramSender_PostsSendMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bottok/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "chat-1")
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "chat-1", got["chat_id"])
	assert.Contains(t, got["text"], "*title*")
}

func TestDiscordSender_PostsEmbed(t *testing.T) {
	var got struct {
		Username string `json:"username"`
		Embeds   []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "title", "body"))
	assert.Equal(t, "arbot", got.Username)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "title", got.Embeds[0].Title)
	assert.Equal(t, "body", got.Embeds[0].Description)
}

func TestDiscordSender_SurfacesBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
