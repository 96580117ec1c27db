// Package luno adapts the Luno exchange REST and streaming APIs to the
// domain venue interfaces. Luno is the taker side of the pair: quotes stream
// over WebSocket with a REST ticker fallback, and orders go through the
// exchange order book.
package luno

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
	"github.com/mzulkifli/arbot/internal/feed"
)

// Config holds the Luno API endpoints and credentials.
type Config struct {
	BaseURL string
	WSURL   string
	KeyID   string
	Secret  string

	// Pair is the traded pair in BASE/QUOTE form, e.g. "XBT/MYR".
	Pair string

	// CallTimeout bounds every REST call.
	CallTimeout time.Duration
}

// Client implements domain.VenueClient and domain.QuotePoller against Luno.
type Client struct {
	cfg    Config
	http   *http.Client
	stream *feed.WSQuoteStream
	logger *slog.Logger
}

// New creates a Luno client. The streaming source is built once; the
// supervisor re-opens it per connection.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	log := logger.With(slog.String("component", "luno"))

	wsURL := strings.TrimRight(cfg.WSURL, "/") + "/" + apiPair(cfg.Pair)
	stream := feed.NewWSQuoteStream("luno", wsURL, subscribePayload(cfg), decodeStream, log)

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.CallTimeout},
		stream: stream,
		logger: log,
	}
}

func (c *Client) Name() string { return "luno" }

// apiPair collapses "XBT/MYR" into Luno's "XBTMYR" form.
func apiPair(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// subscribePayload builds the credentials frame Luno expects as the first
// message on a stream connection.
func subscribePayload(cfg Config) feed.SubscribeFunc {
	return func(string) any {
		return map[string]string{
			"api_key_id":     cfg.KeyID,
			"api_key_secret": cfg.Secret,
		}
	}
}

// streamMessage is the subset of the stream frames that carries top-of-book
// prices. Keepalive frames are empty and decode to ok=false.
type streamMessage struct {
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp int64  `json:"timestamp"`
}

func decodeStream(raw []byte) (domain.Quote, bool) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Quote{}, false
	}
	if msg.Bid == "" || msg.Ask == "" {
		return domain.Quote{}, false
	}
	bid, err := decimal.NewFromString(msg.Bid)
	if err != nil {
		return domain.Quote{}, false
	}
	ask, err := decimal.NewFromString(msg.Ask)
	if err != nil {
		return domain.Quote{}, false
	}
	at := time.Now().UTC()
	if msg.Timestamp > 0 {
		at = time.UnixMilli(msg.Timestamp).UTC()
	}
	return domain.Quote{Bid: bid, Ask: ask, ObservedAt: at}, true
}

// StreamQuotes opens one stream connection for the pair.
func (c *Client) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	return c.stream.StreamQuotes(ctx, pair)
}

// tickerResponse is the /api/1/ticker body.
type tickerResponse struct {
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// PollQuote fetches the REST ticker, the degraded-mode price source.
func (c *Client) PollQuote(ctx context.Context, pair string) (domain.Quote, error) {
	params := url.Values{"pair": {apiPair(pair)}}
	var resp tickerResponse
	if err := c.get(ctx, "/api/1/ticker", params, &resp); err != nil {
		return domain.Quote{}, err
	}

	bid, err := decimal.NewFromString(resp.Bid)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("luno: ticker bid %q: %w", resp.Bid, err)
	}
	ask, err := decimal.NewFromString(resp.Ask)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("luno: ticker ask %q: %w", resp.Ask, err)
	}

	return domain.Quote{
		Venue:      "luno",
		Pair:       pair,
		Bid:        bid,
		Ask:        ask,
		ObservedAt: time.UnixMilli(resp.Timestamp).UTC(),
	}, nil
}

// sideToType maps a leg side onto Luno's order type. A buy rests on the bid
// side of the book.
func sideToType(side domain.LegSide) string {
	if side == domain.LegBuy {
		return "BID"
	}
	return "ASK"
}

func typeToSide(orderType string) domain.LegSide {
	if orderType == "BID" {
		return domain.LegBuy
	}
	return domain.LegSell
}

// PlaceOrder posts a limit order for the configured pair.
func (c *Client) PlaceOrder(ctx context.Context, side domain.LegSide, price, quantity decimal.Decimal) (domain.OrderHandle, error) {
	params := url.Values{
		"pair":   {apiPair(c.cfg.Pair)},
		"type":   {sideToType(side)},
		"price":  {price.String()},
		"volume": {quantity.String()},
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := c.post(ctx, "/api/1/postorder", params, &resp); err != nil {
		return domain.OrderHandle{}, err
	}

	return domain.OrderHandle{
		Venue:    "luno",
		OrderID:  resp.OrderID,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		PostedAt: time.Now().UTC(),
	}, nil
}

// CancelOrder stops a resting order.
func (c *Client) CancelOrder(ctx context.Context, handle domain.OrderHandle) error {
	params := url.Values{"order_id": {handle.OrderID}}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, "/api/1/stoporder", params, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("luno: stop order %s: %w", handle.OrderID, domain.ErrVenueRejected)
	}
	return nil
}

// listOrdersResponse is the /api/1/listorders body.
type listOrdersResponse struct {
	Orders []struct {
		OrderID           string `json:"order_id"`
		Type              string `json:"type"`
		LimitPrice        string `json:"limit_price"`
		LimitVolume       string `json:"limit_volume"`
		CreationTimestamp int64  `json:"creation_timestamp"`
	} `json:"orders"`
}

// GetOpenOrders lists pending orders for the configured pair.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.OrderHandle, error) {
	params := url.Values{
		"pair":  {apiPair(c.cfg.Pair)},
		"state": {"PENDING"},
	}
	var resp listOrdersResponse
	if err := c.get(ctx, "/api/1/listorders", params, &resp); err != nil {
		return nil, err
	}

	handles := make([]domain.OrderHandle, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		price, err := decimal.NewFromString(o.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("luno: order %s price %q: %w", o.OrderID, o.LimitPrice, err)
		}
		qty, err := decimal.NewFromString(o.LimitVolume)
		if err != nil {
			return nil, fmt.Errorf("luno: order %s volume %q: %w", o.OrderID, o.LimitVolume, err)
		}
		handles = append(handles, domain.OrderHandle{
			Venue:    "luno",
			OrderID:  o.OrderID,
			Side:     typeToSide(o.Type),
			Price:    price,
			Quantity: qty,
			PostedAt: time.UnixMilli(o.CreationTimestamp).UTC(),
		})
	}
	return handles, nil
}

// GetBalance fetches one asset's account balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	params := url.Values{"assets": {asset}}
	var resp struct {
		Balance []struct {
			Asset    string `json:"asset"`
			Balance  string `json:"balance"`
			Reserved string `json:"reserved"`
		} `json:"balance"`
	}
	if err := c.get(ctx, "/api/1/balance", params, &resp); err != nil {
		return domain.Balance{}, err
	}

	for _, b := range resp.Balance {
		if b.Asset != asset {
			continue
		}
		total, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return domain.Balance{}, fmt.Errorf("luno: balance %q: %w", b.Balance, err)
		}
		reserved, err := decimal.NewFromString(b.Reserved)
		if err != nil {
			return domain.Balance{}, fmt.Errorf("luno: reserved %q: %w", b.Reserved, err)
		}
		return domain.Balance{
			Asset:     asset,
			Available: total.Sub(reserved),
			Locked:    reserved,
		}, nil
	}
	return domain.Balance{}, fmt.Errorf("luno: asset %s: %w", asset, domain.ErrNotFound)
}

// apiError is Luno's error envelope.
type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, out)
}

func (c *Client) post(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, params, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	var (
		reqURL = strings.TrimRight(c.cfg.BaseURL, "/") + path
		body   io.Reader
	)
	if method == http.MethodGet {
		reqURL += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("luno: build request %s: %w", path, err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.Secret)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("luno: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("luno: read %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.mapError(path, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("luno: decode %s: %w", path, err)
	}
	return nil
}

var (
	_ domain.VenueClient = (*Client)(nil)
	_ domain.QuotePoller = (*Client)(nil)
)

// mapError translates Luno's error envelope into the domain taxonomy so the
// engine and maker can distinguish rejection from transport failure.
func (c *Client) mapError(path string, status int, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)

	switch apiErr.ErrorCode {
	case "ErrInsufficientBalance", "ErrInsufficientFunds":
		return fmt.Errorf("luno: %s: %s: %w", path, apiErr.Error, domain.ErrInsufficientBalance)
	case "ErrOrderNotFound":
		return fmt.Errorf("luno: %s: %s: %w", path, apiErr.Error, domain.ErrNotFound)
	}
	if status >= 400 && status < 500 {
		return fmt.Errorf("luno: %s: status %d %s: %w", path, status, apiErr.Error, domain.ErrVenueRejected)
	}
	return fmt.Errorf("luno: %s: status %d: %s", path, status, strings.TrimSpace(string(raw)))
}
