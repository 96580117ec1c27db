// Package remitano adapts the Remitano P2P marketplace API to the domain
// venue interfaces. Remitano is the maker side of the pair: orders are P2P
// offers, quotes come from the public offer book, and there is no streaming
// endpoint, so StreamQuotes is backed by a short-cadence poll.
package remitano

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mzulkifli/arbot/internal/domain"
)

// Config holds the Remitano API endpoint and credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Secret  string

	// Pair is the traded pair in BASE/QUOTE form, e.g. "XBT/MYR".
	Pair string

	// QuoteEvery is the poll cadence backing StreamQuotes.
	QuoteEvery time.Duration

	// CallTimeout bounds every REST call.
	CallTimeout time.Duration
}

// Client implements domain.VenueClient and domain.QuotePoller against
// Remitano.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Remitano client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.QuoteEvery <= 0 {
		cfg.QuoteEvery = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.CallTimeout},
		logger: logger.With(slog.String("component", "remitano")),
		now:    time.Now,
	}
}

func (c *Client) Name() string { return "remitano" }

// coin returns the lowercased base asset, e.g. "xbt".
func (c *Client) coin() string {
	base, _, _ := strings.Cut(c.cfg.Pair, "/")
	return strings.ToLower(base)
}

// fiat returns the lowercased quote asset, e.g. "myr".
func (c *Client) fiat() string {
	_, quote, _ := strings.Cut(c.cfg.Pair, "/")
	return strings.ToLower(quote)
}

// StreamQuotes emits the polled best bid/ask at a fixed cadence until ctx is
// cancelled. The marketplace has no push feed; the supervisor drives this
// exactly like a streamed source.
func (c *Client) StreamQuotes(ctx context.Context, pair string) (<-chan domain.Quote, error) {
	// Fail fast when the book is unreachable, so the supervisor's retry
	// policy sees the connect error.
	first, err := c.PollQuote(ctx, pair)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Quote, 16)
	go func() {
		defer close(out)

		out <- first
		ticker := time.NewTicker(c.cfg.QuoteEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q, err := c.PollQuote(ctx, pair)
				if err != nil {
					c.logger.Debug("offer book poll failed", slog.String("error", err.Error()))
					return
				}
				select {
				case out <- q:
				default:
				}
			}
		}
	}()
	return out, nil
}

// offerBook is the public offer listing body.
type offerBook struct {
	Offers []struct {
		ID              int64  `json:"id"`
		Price           string `json:"price"`
		AvailableAmount string `json:"available_amount"`
	} `json:"offers"`
}

// PollQuote reads the top of the public offer book. The best sell offer is
// the ask; the best buy offer is the bid.
func (c *Client) PollQuote(ctx context.Context, pair string) (domain.Quote, error) {
	ask, err := c.bestOffer(ctx, "sell")
	if err != nil {
		return domain.Quote{}, err
	}
	bid, err := c.bestOffer(ctx, "buy")
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		Venue:      "remitano",
		Pair:       pair,
		Bid:        bid,
		Ask:        ask,
		ObservedAt: c.now().UTC(),
	}, nil
}

func (c *Client) bestOffer(ctx context.Context, offerType string) (decimal.Decimal, error) {
	params := url.Values{
		"offer_type":    {offerType},
		"coin_currency": {c.coin()},
		"currency":      {c.fiat()},
	}
	var book offerBook
	if err := c.do(ctx, http.MethodGet, "/api/v1/offers", params, nil, &book); err != nil {
		return decimal.Decimal{}, err
	}
	if len(book.Offers) == 0 {
		return decimal.Decimal{}, fmt.Errorf("remitano: empty %s book: %w", offerType, domain.ErrNotFound)
	}
	price, err := decimal.NewFromString(book.Offers[0].Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("remitano: offer price %q: %w", book.Offers[0].Price, err)
	}
	return price, nil
}

// offerResponse is one owned offer.
type offerResponse struct {
	ID          int64  `json:"id"`
	OfferType   string `json:"offer_type"`
	Price       string `json:"price"`
	TotalAmount string `json:"total_amount"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
}

func (c *Client) toHandle(o offerResponse) (domain.OrderHandle, error) {
	price, err := decimal.NewFromString(o.Price)
	if err != nil {
		return domain.OrderHandle{}, fmt.Errorf("remitano: offer %d price %q: %w", o.ID, o.Price, err)
	}
	qty, err := decimal.NewFromString(o.TotalAmount)
	if err != nil {
		return domain.OrderHandle{}, fmt.Errorf("remitano: offer %d amount %q: %w", o.ID, o.TotalAmount, err)
	}
	side := domain.LegSell
	if o.OfferType == "buy" {
		side = domain.LegBuy
	}
	return domain.OrderHandle{
		Venue:    "remitano",
		OrderID:  strconv.FormatInt(o.ID, 10),
		Side:     side,
		Price:    price,
		Quantity: qty,
		PostedAt: time.Unix(o.CreatedAt, 0).UTC(),
	}, nil
}

// PlaceOrder creates a P2P offer.
func (c *Client) PlaceOrder(ctx context.Context, side domain.LegSide, price, quantity decimal.Decimal) (domain.OrderHandle, error) {
	offerType := "sell"
	if side == domain.LegBuy {
		offerType = "buy"
	}
	body := map[string]string{
		"offer_type":    offerType,
		"coin_currency": c.coin(),
		"currency":      c.fiat(),
		"price":         price.String(),
		"total_amount":  quantity.String(),
	}

	var resp offerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/offers", nil, body, &resp); err != nil {
		return domain.OrderHandle{}, err
	}
	return c.toHandle(resp)
}

// CancelOrder withdraws an offer.
func (c *Client) CancelOrder(ctx context.Context, handle domain.OrderHandle) error {
	path := "/api/v1/offers/" + handle.OrderID
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// GetOpenOrders lists the account's active offers.
func (c *Client) GetOpenOrders(ctx context.Context) ([]domain.OrderHandle, error) {
	params := url.Values{"status": {"active"}}
	var resp struct {
		Offers []offerResponse `json:"offers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/offers/mine", params, nil, &resp); err != nil {
		return nil, err
	}

	handles := make([]domain.OrderHandle, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		h, err := c.toHandle(o)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// GetBalance fetches one asset's account balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	var resp struct {
		Accounts []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
			Frozen    string `json:"frozen"`
		} `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts", nil, nil, &resp); err != nil {
		return domain.Balance{}, err
	}

	want := strings.ToLower(asset)
	for _, a := range resp.Accounts {
		if strings.ToLower(a.Currency) != want {
			continue
		}
		available, err := decimal.NewFromString(a.Available)
		if err != nil {
			return domain.Balance{}, fmt.Errorf("remitano: available %q: %w", a.Available, err)
		}
		frozen, err := decimal.NewFromString(a.Frozen)
		if err != nil {
			return domain.Balance{}, fmt.Errorf("remitano: frozen %q: %w", a.Frozen, err)
		}
		return domain.Balance{Asset: asset, Available: available, Locked: frozen}, nil
	}
	return domain.Balance{}, fmt.Errorf("remitano: asset %s: %w", asset, domain.ErrNotFound)
}

// apiError is Remitano's error envelope.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remitano: encode %s: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("remitano: build request %s: %w", path, err)
	}
	c.sign(req, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remitano: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remitano: read %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapError(path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("remitano: decode %s: %w", path, err)
	}
	return nil
}

// sign sets the HMAC request headers: the signature covers the method, path,
// body digest, and date, keyed by the API secret.
func (c *Client) sign(req *http.Request, path string, payload []byte) {
	date := c.now().UTC().Format(http.TimeFormat)
	sum := md5.Sum(payload)
	digest := base64.StdEncoding.EncodeToString(sum[:])

	mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
	fmt.Fprintf(mac, "%s,%s,%s,%s", req.Method, path, digest, date)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Date", date)
	req.Header.Set("Content-MD5", digest)
	req.Header.Set("Authorization", "APIAuth "+c.cfg.APIKey+":"+sig)
}

var (
	_ domain.VenueClient = (*Client)(nil)
	_ domain.QuotePoller = (*Client)(nil)
)

// mapError translates the error envelope into the domain taxonomy.
func (c *Client) mapError(path string, status int, raw []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)

	switch apiErr.Code {
	case "insufficient_balance":
		return fmt.Errorf("remitano: %s: %s: %w", path, apiErr.Error, domain.ErrInsufficientBalance)
	case "not_found":
		return fmt.Errorf("remitano: %s: %s: %w", path, apiErr.Error, domain.ErrNotFound)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("remitano: %s: %w", path, domain.ErrNotFound)
	}
	if status >= 400 && status < 500 {
		return fmt.Errorf("remitano: %s: status %d %s: %w", path, status, apiErr.Error, domain.ErrVenueRejected)
	}
	return fmt.Errorf("remitano: %s: status %d: %s", path, status, strings.TrimSpace(string(raw)))
}
