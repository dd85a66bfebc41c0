// Package exchange is the capability-oriented façade over the exchange's
// REST and WebSocket surface: place/amend/cancel/cancel_all, account and
// order queries, guarded by a circuit breaker and a token-bucket rate
// limiter, with idempotency de-duplication and transient/fatal error
// classification on every outbound call.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"marketmaker/internal/config"
	"marketmaker/pkg/types"
)

// AmendOutcome is the result of an amend call.
type AmendOutcome string

const (
	AmendOK               AmendOutcome = "ok"
	AmendFallbackRequired AmendOutcome = "fallback_required"
)

// CancelOutcome is the result of a cancel call.
type CancelOutcome string

const (
	CancelOK          CancelOutcome = "ok"
	CancelAlreadyDone CancelOutcome = "already_done"
)

// ErrCircuitOpen is returned by any gated capability call while the
// circuit gate is TRIPPED or out of probes in HALF_OPEN.
var ErrCircuitOpen = errors.New("circuit_open")

// ErrKind classifies an adapter error for the caller's retry decision.
type ErrKind int

const (
	ErrTransient ErrKind = iota
	ErrFatal
)

// AdapterError wraps an underlying error with its retry classification.
type AdapterError struct {
	Kind ErrKind
	Err  error
}

func (e *AdapterError) Error() string { return e.Err.Error() }
func (e *AdapterError) Unwrap() error { return e.Err }

func transientErr(err error) error { return &AdapterError{Kind: ErrTransient, Err: err} }
func fatalErr(err error) error     { return &AdapterError{Kind: ErrFatal, Err: err} }

// IsTransient reports whether err is a classified transient adapter error.
func IsTransient(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind == ErrTransient
	}
	return false
}

const (
	maxRetries      = 5
	backoffBase     = time.Second
	backoffMax      = 30 * time.Second
	idemCacheExpiry = 10 * time.Minute
)

// idemEntry caches the result of the first successful attempt for a given
// idempotency key so retries are side-effect free.
type idemEntry struct {
	result    any
	err       error
	expiresAt time.Time
}

// Client is the concrete Exchange Adapter: a capability API independent of
// exchange specifics, backed by an HTTP transport, a circuit gate, and a
// per-endpoint-class rate limiter.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	gate   *CircuitGate
	dryRun bool
	logger *slog.Logger

	idemMu sync.Mutex
	idem   map[string]*idemEntry
}

// NewClient builds the adapter. baseURL and timeouts come from
// config.ExchangeConfig; rate limiting and circuit behavior are supplied
// already-constructed so tests can inject deterministic clocks.
func NewClient(cfg config.ExchangeConfig, auth *Auth, rl *RateLimiter, gate *CircuitGate, dryRun bool, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     rl,
		gate:   gate,
		dryRun: dryRun,
		logger: logger.With("component", "exchange_adapter"),
		idem:   make(map[string]*idemEntry),
	}
}

// gatedCall wraps every capability call with the circuit gate, the
// endpoint's token bucket, and transient-error retry. Allowlisted
// operations (health probes, cancel_all, reconciliation reads) set
// bypassGate and skip the gate entirely.
func (c *Client) gatedCall(ctx context.Context, ep Endpoint, idemKey string, bypassGate bool, fn func() (any, error)) (any, error) {
	if !bypassGate && c.gate != nil && !c.gate.Allow() {
		return nil, ErrCircuitOpen
	}
	if err := c.rl.Wait(ctx, ep); err != nil {
		return nil, transientErr(err)
	}

	result, err := c.withRetry(ctx, idemKey, 0, fn)
	if !bypassGate && c.gate != nil {
		// Only transient errors (429, 5xx, timeouts) count against the
		// gate's error rate; a fatal error is a client-side mistake, not
		// exchange unhealth.
		c.gate.RecordResult(err == nil || classify(err) == ErrFatal)
	}
	return result, err
}

// withRetry retries transient errors with exponential backoff, base 1s,
// max 30s, jittered deterministically by idemKey+attempt so repeated runs
// of the same scenario produce the same wait sequence.
func (c *Client) withRetry(ctx context.Context, idemKey string, attempt int, fn func() (any, error)) (any, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}
	if !IsTransient(err) || attempt >= maxRetries {
		return result, err
	}

	wait := backoffFor(idemKey, attempt)
	select {
	case <-ctx.Done():
		return nil, transientErr(ctx.Err())
	case <-time.After(wait):
	}
	return c.withRetry(ctx, idemKey, attempt+1, fn)
}

func backoffFor(idemKey string, attempt int) time.Duration {
	base := backoffBase * time.Duration(1<<uint(attempt))
	if base > backoffMax {
		base = backoffMax
	}
	h := fnv.New64a()
	h.Write([]byte(idemKey))
	h.Write([]byte{byte(attempt)})
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	jitter := time.Duration(r.Int63n(int64(base / 2)))
	return base/2 + jitter
}

func classify(err error) ErrKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrFatal
}

// classifyHTTP maps a status code to a transient/fatal adapter error.
func classifyHTTP(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return transientErr(fmt.Errorf("exchange transient error: status %d: %s", status, body))
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fatalErr(fmt.Errorf("exchange auth error: status %d: %s", status, body))
	default:
		return fatalErr(fmt.Errorf("exchange error: status %d: %s", status, body))
	}
}

// dedup returns the cached result for idemKey if present and unexpired,
// otherwise runs fn, caches, and returns its result. Only successful
// results (and fatal, non-retryable errors) are cached — a transient error
// must not poison a later legitimate retry.
func (c *Client) dedup(idemKey string, fn func() (any, error)) (any, error) {
	c.idemMu.Lock()
	if e, ok := c.idem[idemKey]; ok && time.Now().Before(e.expiresAt) {
		c.idemMu.Unlock()
		return e.result, e.err
	}
	c.idemMu.Unlock()

	result, err := fn()
	if err != nil && (IsTransient(err) || errors.Is(err, ErrCircuitOpen)) {
		// A transient failure or a refused call must not poison the cache:
		// the same key retried later should execute for real.
		return result, err
	}

	c.idemMu.Lock()
	c.idem[idemKey] = &idemEntry{result: result, err: err, expiresAt: time.Now().Add(idemCacheExpiry)}
	c.idemMu.Unlock()
	return result, err
}

// Place submits a new order with idemKey (the order's ClientOrderID) as
// the idempotency key. Retried attempts with the same key return the
// cached result of the first successful attempt.
func (c *Client) Place(ctx context.Context, order types.Order) (string, error) {
	if c.dryRun {
		return "dry-" + order.ClientOrderID, nil
	}

	result, err := c.dedup(order.ClientOrderID, func() (any, error) {
		return c.gatedCall(ctx, EndpointPlace, order.ClientOrderID, false, func() (any, error) {
			return c.doPlace(ctx, order)
		})
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) doPlace(ctx context.Context, order types.Order) (string, error) {
	headers, err := c.auth.Headers("POST", "/orders", "")
	if err != nil {
		return "", fatalErr(err)
	}
	var result struct {
		ExchangeOrderID string `json:"exchange_order_id"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(order).SetResult(&result).Post("/orders")
	if err != nil {
		return "", transientErr(fmt.Errorf("place: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return "", classifyHTTP(resp.StatusCode(), resp.String())
	}
	return result.ExchangeOrderID, nil
}

// Amend attempts to modify an open order in place. It returns
// AmendFallbackRequired (not an error) when the exchange does not support
// amend for this order, so the writer can fall back to cancel+place under
// the same logical target.
func (c *Client) Amend(ctx context.Context, exchangeOrderID string, newPrice *types.Price, newQty *types.Quantity, idemKey string) (AmendOutcome, error) {
	if c.dryRun {
		return AmendOK, nil
	}

	result, err := c.dedup(idemKey, func() (any, error) {
		return c.gatedCall(ctx, EndpointAmend, idemKey, false, func() (any, error) {
			return c.doAmend(ctx, exchangeOrderID, newPrice, newQty)
		})
	})
	if err != nil {
		return "", err
	}
	return result.(AmendOutcome), nil
}

func (c *Client) doAmend(ctx context.Context, exchangeOrderID string, newPrice *types.Price, newQty *types.Quantity) (AmendOutcome, error) {
	body := map[string]any{"exchange_order_id": exchangeOrderID}
	if newPrice != nil {
		body["price"] = newPrice.String()
	}
	if newQty != nil {
		body["qty"] = newQty.String()
	}
	headers, err := c.auth.Headers("POST", "/orders/amend", "")
	if err != nil {
		return "", fatalErr(err)
	}
	var result struct {
		FallbackRequired bool `json:"fallback_required"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetBody(body).SetResult(&result).Post("/orders/amend")
	if err != nil {
		return "", transientErr(fmt.Errorf("amend: %w", err))
	}
	if resp.StatusCode() == http.StatusNotImplemented {
		return AmendFallbackRequired, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return "", classifyHTTP(resp.StatusCode(), resp.String())
	}
	if result.FallbackRequired {
		return AmendFallbackRequired, nil
	}
	return AmendOK, nil
}

// Cancel cancels a single open order.
func (c *Client) Cancel(ctx context.Context, exchangeOrderID, idemKey string) (CancelOutcome, error) {
	if c.dryRun {
		return CancelOK, nil
	}

	result, err := c.dedup(idemKey, func() (any, error) {
		return c.gatedCall(ctx, EndpointCancel, idemKey, false, func() (any, error) {
			return c.doCancel(ctx, exchangeOrderID)
		})
	})
	if err != nil {
		return "", err
	}
	return result.(CancelOutcome), nil
}

func (c *Client) doCancel(ctx context.Context, exchangeOrderID string) (CancelOutcome, error) {
	headers, err := c.auth.Headers("DELETE", "/orders/"+exchangeOrderID, "")
	if err != nil {
		return "", fatalErr(err)
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).Delete("/orders/" + exchangeOrderID)
	if err != nil {
		return "", transientErr(fmt.Errorf("cancel: %w", err))
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return CancelOK, nil
	case http.StatusNotFound, http.StatusConflict:
		return CancelAlreadyDone, nil
	default:
		return "", classifyHTTP(resp.StatusCode(), resp.String())
	}
}

// CancelAll cancels every open order, optionally scoped to one symbol.
// CancelAll is allowlisted: it bypasses the circuit gate, since it is the
// safety-net call Guards/HARD and shutdown both rely on.
func (c *Client) CancelAll(ctx context.Context, symbol, idemKey string) ([]string, error) {
	if c.dryRun {
		return nil, nil
	}

	result, err := c.dedup(idemKey, func() (any, error) {
		return c.gatedCall(ctx, EndpointCancel, idemKey, true, func() (any, error) {
			return c.doCancelAll(ctx, symbol)
		})
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (c *Client) doCancelAll(ctx context.Context, symbol string) ([]string, error) {
	path := "/orders/cancel-all"
	if symbol != "" {
		path += "?symbol=" + symbol
	}
	headers, err := c.auth.Headers("DELETE", path, "")
	if err != nil {
		return nil, fatalErr(err)
	}
	var result struct {
		Canceled []string `json:"canceled"`
	}
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Delete(path)
	if err != nil {
		return nil, transientErr(fmt.Errorf("cancel_all: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyHTTP(resp.StatusCode(), resp.String())
	}
	return result.Canceled, nil
}

// FetchOpenOrders queries the exchange's live open orders, optionally
// scoped to one symbol. This is a reconciliation read and bypasses the
// circuit gate.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	result, err := c.gatedCall(ctx, EndpointQuery, "open:"+symbol, true, func() (any, error) {
		return c.doFetchOpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.Order), nil
}

func (c *Client) doFetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	path := "/orders/open"
	if symbol != "" {
		path += "?symbol=" + symbol
	}
	headers, err := c.auth.Headers("GET", path, "")
	if err != nil {
		return nil, fatalErr(err)
	}
	var result []types.Order
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get(path)
	if err != nil {
		return nil, transientErr(fmt.Errorf("fetch_open_orders: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyHTTP(resp.StatusCode(), resp.String())
	}
	return result, nil
}

// FetchRecentHistory queries recently closed/updated orders since sinceTs,
// up to limit results. Also a reconciliation read; bypasses the gate.
func (c *Client) FetchRecentHistory(ctx context.Context, symbol string, sinceTs time.Time, limit int) ([]types.Order, error) {
	result, err := c.gatedCall(ctx, EndpointQuery, "history:"+symbol, true, func() (any, error) {
		return c.doFetchRecentHistory(ctx, symbol, sinceTs, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]types.Order), nil
}

func (c *Client) doFetchRecentHistory(ctx context.Context, symbol string, sinceTs time.Time, limit int) ([]types.Order, error) {
	path := fmt.Sprintf("/orders/history?since=%d&limit=%d", sinceTs.UnixMilli(), limit)
	if symbol != "" {
		path += "&symbol=" + symbol
	}
	headers, err := c.auth.Headers("GET", path, "")
	if err != nil {
		return nil, fatalErr(err)
	}
	var result []types.Order
	resp, err := c.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get(path)
	if err != nil {
		return nil, transientErr(fmt.Errorf("fetch_recent_history: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyHTTP(resp.StatusCode(), resp.String())
	}
	return result, nil
}

// FetchSymbolFilters fetches static trading constraints for symbol. Used
// once at startup per symbol; the caller is responsible for caching.
func (c *Client) FetchSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	result, err := c.gatedCall(ctx, EndpointQuery, "filters:"+symbol, true, func() (any, error) {
		return c.doFetchSymbolFilters(ctx, symbol)
	})
	if err != nil {
		return types.SymbolFilters{}, err
	}
	return result.(types.SymbolFilters), nil
}

func (c *Client) doFetchSymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	var result types.SymbolFilters
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/symbols/" + symbol)
	if err != nil {
		return types.SymbolFilters{}, transientErr(fmt.Errorf("fetch_symbol_filters: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return types.SymbolFilters{}, classifyHTTP(resp.StatusCode(), resp.String())
	}
	result.Symbol = symbol
	result.Source = types.FilterFetched
	result.FetchedAt = time.Now()
	return result, nil
}

// RefreshBook fetches a fresh order book snapshot for symbol. Called by the
// MD-Cache on a cache miss; a normal gated/rate-limited read, not allowlisted,
// since a tripped circuit should make pricing reads fail fast same as writes.
func (c *Client) RefreshBook(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	result, err := c.gatedCall(ctx, EndpointBook, "book:"+symbol, false, func() (any, error) {
		return c.doRefreshBook(ctx, symbol)
	})
	if err != nil {
		return types.BookSnapshot{}, err
	}
	return result.(types.BookSnapshot), nil
}

func (c *Client) doRefreshBook(ctx context.Context, symbol string) (types.BookSnapshot, error) {
	recv := time.Now()
	var result types.BookSnapshot
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/orderbook/" + symbol)
	if err != nil {
		return types.BookSnapshot{}, transientErr(fmt.Errorf("refresh_book: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return types.BookSnapshot{}, classifyHTTP(resp.StatusCode(), resp.String())
	}
	result.Symbol = symbol
	result.TsRecv = recv
	result.TsCached = time.Now()
	return result, nil
}

// HealthProbe performs an unauthenticated health check. It bypasses the
// circuit gate per the allowlist.
func (c *Client) HealthProbe(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return transientErr(err)
	}
	if resp.StatusCode() != http.StatusOK {
		return transientErr(fmt.Errorf("health probe: status %d", resp.StatusCode()))
	}
	return nil
}

// CircuitSnapshot exposes the current circuit phase and error rate.
func (c *Client) CircuitSnapshot() (Phase, float64) {
	return c.gate.Snapshot()
}
