package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/crypto"
	"github.com/alanyoungcy/venuecore/internal/domain"
)

// REST is a generic signed HTTP venue. Requests carry an HMAC-SHA256
// signature over timestamp + method + path + body.
type REST struct {
	id         domain.VenueID
	baseURL    string
	auth       crypto.HMACAuth
	fees       domain.FeeSchedule
	symbols    map[domain.Instrument]string
	reverse    map[string]domain.Instrument
	httpClient *http.Client
}

var _ Adapter = (*REST)(nil)

// NewREST creates a REST venue from cfg using secret for signing.
func NewREST(cfg domain.VenueConfig, secret string, httpClient *http.Client) *REST {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	r := &REST{
		id:         cfg.ID,
		baseURL:    cfg.BaseURL,
		auth:       crypto.HMACAuth{Key: cfg.APIKey, Secret: secret},
		fees:       cfg.Fees,
		symbols:    make(map[domain.Instrument]string, len(cfg.Symbols)),
		reverse:    make(map[string]domain.Instrument, len(cfg.Symbols)),
		httpClient: httpClient,
	}
	for inst, sym := range cfg.Symbols {
		r.symbols[inst] = sym
		r.reverse[sym] = inst
	}
	return r
}

func (r *REST) ID() domain.VenueID { return r.id }

func (r *REST) Fees() domain.FeeSchedule { return r.fees }

// Symbol translates a normalized instrument to the venue spelling. Without
// a mapping the separator is dropped: BTC/USDT -> BTCUSDT.
func (r *REST) Symbol(inst domain.Instrument) string {
	if s, ok := r.symbols[inst]; ok {
		return s
	}
	return inst.Base() + inst.QuoteAsset()
}

type restBook struct {
	Bids      [][2]decimal.Decimal `json:"bids"`
	Asks      [][2]decimal.Decimal `json:"asks"`
	Timestamp int64                `json:"ts"`
}

type restOrder struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Fee            decimal.Decimal `json:"fee"`
}

type restError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *REST) Quote(ctx context.Context, instrument domain.Instrument) (domain.Quote, error) {
	book, err := r.OrderBook(ctx, instrument, 1)
	if err != nil {
		return domain.Quote{}, err
	}
	q, ok := book.Quote()
	if !ok {
		return domain.Quote{}, fmt.Errorf("rest %s: empty book for %s: %w", r.id, instrument, domain.ErrNotFound)
	}
	return q, nil
}

func (r *REST) OrderBook(ctx context.Context, instrument domain.Instrument, depth int) (domain.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", r.Symbol(instrument))
	if depth > 0 {
		params.Set("depth", strconv.Itoa(depth))
	}

	var rb restBook
	if err := r.do(ctx, http.MethodGet, "/v1/book?"+params.Encode(), nil, &rb); err != nil {
		return domain.OrderBook{}, fmt.Errorf("rest %s: order book %s: %w", r.id, instrument, err)
	}

	book := domain.OrderBook{
		Venue:      r.id,
		Instrument: instrument,
		Bids:       make([]domain.PriceLevel, 0, len(rb.Bids)),
		Asks:       make([]domain.PriceLevel, 0, len(rb.Asks)),
		Timestamp:  time.Now(),
	}
	if rb.Timestamp > 0 {
		book.Timestamp = time.UnixMilli(rb.Timestamp)
	}
	for _, l := range rb.Bids {
		book.Bids = append(book.Bids, domain.PriceLevel{Price: l[0], Size: l[1]})
	}
	for _, l := range rb.Asks {
		book.Asks = append(book.Asks, domain.PriceLevel{Price: l[0], Size: l[1]})
	}
	return book, nil
}

func (r *REST) PlaceOrder(ctx context.Context, spec domain.OrderSpec) (domain.OrderAck, error) {
	body := map[string]any{
		"client_order_id": spec.ClientOrderID,
		"symbol":          r.Symbol(spec.Instrument),
		"side":            spec.Side,
		"type":            spec.Type,
		"quantity":        spec.Quantity.String(),
	}
	if spec.Type == domain.OrderTypeLimit {
		body["price"] = spec.Price.String()
	}

	var ro restOrder
	if err := r.do(ctx, http.MethodPost, "/v1/orders", body, &ro); err != nil {
		return domain.OrderAck{}, fmt.Errorf("rest %s: place order: %w", r.id, err)
	}
	return ro.ack(), nil
}

func (r *REST) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	path := "/v1/orders/" + url.PathEscape(venueOrderID)
	if err := r.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return false, fmt.Errorf("rest %s: cancel order %s: %w", r.id, venueOrderID, err)
	}
	return resp.Cancelled, nil
}

func (r *REST) OrderStatus(ctx context.Context, venueOrderID string) (domain.OrderAck, error) {
	var ro restOrder
	path := "/v1/orders/" + url.PathEscape(venueOrderID)
	if err := r.do(ctx, http.MethodGet, path, nil, &ro); err != nil {
		return domain.OrderAck{}, fmt.Errorf("rest %s: order status %s: %w", r.id, venueOrderID, err)
	}
	return ro.ack(), nil
}

func (r *REST) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp struct {
		Balances map[string]decimal.Decimal `json:"balances"`
	}
	if err := r.do(ctx, http.MethodGet, "/v1/balances", nil, &resp); err != nil {
		return nil, fmt.Errorf("rest %s: balances: %w", r.id, err)
	}
	return resp.Balances, nil
}

func (r *REST) EmergencyStop(ctx context.Context, reason string) error {
	if err := r.do(ctx, http.MethodPost, "/v1/cancel-all", map[string]string{"reason": reason}, nil); err != nil {
		return fmt.Errorf("rest %s: emergency stop: %w", r.id, err)
	}
	return nil
}

func (ro restOrder) ack() domain.OrderAck {
	status := domain.OrderStatusRouted
	switch ro.Status {
	case "new", "open", "accepted":
		status = domain.OrderStatusRouted
	case "partially_filled", "partial":
		status = domain.OrderStatusPartiallyFilled
	case "filled", "done":
		status = domain.OrderStatusFilled
	case "cancelled", "canceled", "expired":
		status = domain.OrderStatusCancelled
	case "rejected":
		status = domain.OrderStatusRejected
	}
	return domain.OrderAck{
		VenueOrderID:   ro.OrderID,
		Status:         status,
		FilledQuantity: ro.FilledQuantity,
		AvgPrice:       ro.AvgPrice,
		Fee:            ro.Fee,
	}
}

// do builds, signs, sends and decodes a request. out may be nil.
func (r *REST) do(ctx context.Context, method, path string, reqBody, out any) error {
	var raw []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		raw = b
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	r.auth.Sign(req, method, path, raw)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return domain.NewVenueError(r.id, method+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewVenueError(r.id, "read response", err)
	}
	if err := r.checkStatus(resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx status codes onto the error taxonomy.
func (r *REST) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr restError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("not found: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrNotFound)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("rejected: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrInvalidOrderSpec)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("unauthorized: %s (%s)", apiErr.Message, apiErr.Code)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return domain.NewVenueError(r.id, "http", fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code))
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
