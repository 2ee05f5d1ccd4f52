// Package restclient talks to Stockbit's HTTP API: paginated running-trade
// history and the trading-key handshake the WebSocket subscription needs.
//
// Grounded on original_source/stockbit_client.py's StockbitClient
// (_fetch_page's status-code handling, fetch_running_trade's
// trade_number-cursor pagination loop) and on the teacher's
// internal/resilience.CircuitBreaker, which wraps every call here.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stockbit-ingest/internal/credential"
	pkgerrors "stockbit-ingest/internal/errors"
	"stockbit-ingest/internal/logging"
	"stockbit-ingest/internal/resilience"
)

// FlexString unmarshals a JSON string or number into a Go string,
// because Stockbit's API is inconsistent about quoting numeric fields
// (price, trade_number) and the pipeline needs the broker's own
// formatting preserved verbatim regardless of which one it sent.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Trade is a single running-trade record as returned by Stockbit's
// running-trade endpoint. Price and Change are FlexString (see above) and
// are never coerced to float by this pipeline; see DESIGN.md.
type Trade struct {
	ID          FlexString `json:"id"`
	Time        string     `json:"time"`
	Action      string     `json:"action"`
	Code        string     `json:"code"`
	Price       FlexString `json:"price"`
	Change      FlexString `json:"change"`
	Lot         FlexString `json:"lot"`
	Buyer       string     `json:"buyer"`
	Seller      string     `json:"seller"`
	TradeNumber FlexString `json:"trade_number"`
	BuyerType   string     `json:"buyer_type"`
	SellerType  string     `json:"seller_type"`
	MarketBoard string     `json:"market_board"`
}

// TradePage is one page of running-trade results.
type TradePage struct {
	Trades      []Trade
	IsOpenMarket bool
}

// Config holds the endpoints and tuning restclient.Client needs, a subset
// of config.StockbitConfig so this package does not depend on the config
// package directly.
type Config struct {
	RunningTradeURL string
	TradingKeyURL   string
	RequestTimeout  time.Duration
	PageLimit       int

	// RequestsPerSecond caps the rate of outbound calls this client makes,
	// independent of the scheduler's own inter-page delay -- it exists to
	// protect against Stockbit throttling when several jobs or a job and a
	// streaming trading-key refresh land on the API in the same instant.
	// Zero means unlimited.
	RequestsPerSecond float64
}

// Client is a Stockbit HTTP client. It never retries internally -- the
// caller (internal/scheduler) owns retry/backoff decisions, since only it
// knows whether a retry means "same page" or "abandon this task".
type Client struct {
	cfg     Config
	cred    *credential.Store
	http    *http.Client
	cb      *resilience.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Client. cb may be nil, in which case calls run unprotected.
func New(cfg Config, cred *credential.Store, cb *resilience.CircuitBreaker, logger zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		cred:    cred,
		http:    &http.Client{Timeout: timeout},
		cb:      cb,
		limiter: limiter,
		logger:  logger,
	}
}

// wait blocks until the rate limiter admits one request, or ctx is done.
// A nil limiter (RequestsPerSecond unset) never blocks.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return pkgerrors.Wrap(err, "rate limiter")
	}
	return nil
}

// FetchTradesPage fetches a single page of running-trade data. tradeNumber,
// when non-nil, requests trades strictly before that trade_number
// (Stockbit sorts DESC, so pagination walks backward in time).
func (c *Client) FetchTradesPage(ctx context.Context, ticker, date string, tradeNumber *int64) (*TradePage, error) {
	token := c.cred.Token()
	if token == "" {
		return nil, pkgerrors.NewCredentialError("fetch_page", "no bearer token set", pkgerrors.KindAuthExpired, nil)
	}

	limit := c.cfg.PageLimit
	if limit <= 0 {
		limit = 50
	}

	params := url.Values{}
	params.Set("sort", "DESC")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("order_by", "RUNNING_TRADE_ORDER_BY_TIME")
	params.Set("symbols[]", ticker)
	params.Set("date", date)
	if tradeNumber != nil {
		params.Set("trade_number", strconv.FormatInt(*tradeNumber, 10))
	}

	reqURL := c.cfg.RunningTradeURL + "?" + params.Encode()

	var page *TradePage
	fn := func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		p, err := c.doFetchPage(ctx, reqURL, token)
		logging.LogAPICall(c.logger, http.MethodGet, c.cfg.RunningTradeURL, time.Since(start), err)
		if err != nil {
			return err
		}
		page = p
		return nil
	}

	var err error
	if c.cb != nil {
		err = c.cb.Execute(ctx, fn)
	} else {
		err = fn()
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) doFetchPage(ctx context.Context, reqURL, token string) (*TradePage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, pkgerrors.NewAPIError(0, reqURL, "failed to build request", err)
	}
	applyHeaders(req, token, c.cred.Cookies())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.NewAPIError(resp.StatusCode, reqURL, "failed to read response body", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.cred.MarkInvalid()
		return nil, pkgerrors.NewAPIError(resp.StatusCode, reqURL, "token expired or invalid", nil)
	}
	if resp.StatusCode == http.StatusForbidden {
		return nil, pkgerrors.NewAPIError(resp.StatusCode, reqURL, "access forbidden, token might need refresh", nil)
	}
	if resp.StatusCode >= 400 {
		return nil, pkgerrors.NewAPIError(resp.StatusCode, reqURL, fmt.Sprintf("unexpected status: %s", truncate(string(body), 500)), nil)
	}

	var envelope struct {
		Data struct {
			RunningTrade []Trade `json:"running_trade"`
			IsOpenMarket bool    `json:"is_open_market"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, pkgerrors.NewCodecError("running_trade_response", "failed to parse JSON body", err)
	}

	return &TradePage{Trades: envelope.Data.RunningTrade, IsOpenMarket: envelope.Data.IsOpenMarket}, nil
}

// FetchTradingKey retrieves the trading key the WebSocket subscription
// frame needs alongside the bearer token.
func (c *Client) FetchTradingKey(ctx context.Context) (string, error) {
	token := c.cred.Token()
	if token == "" {
		return "", pkgerrors.NewCredentialError("fetch_trading_key", "no bearer token set", pkgerrors.KindAuthExpired, nil)
	}

	var key string
	fn := func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TradingKeyURL, nil)
		if err != nil {
			return pkgerrors.NewAPIError(0, c.cfg.TradingKeyURL, "failed to build request", err)
		}
		applyHeaders(req, token, c.cred.Cookies())

		resp, err := c.http.Do(req)
		if err != nil {
			return classifyTransportError(c.cfg.TradingKeyURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return pkgerrors.NewAPIError(resp.StatusCode, c.cfg.TradingKeyURL, "failed to read response body", err)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			_ = c.cred.MarkInvalid()
			return pkgerrors.NewAPIError(resp.StatusCode, c.cfg.TradingKeyURL, "token expired or invalid", nil)
		}
		if resp.StatusCode >= 400 {
			return pkgerrors.NewAPIError(resp.StatusCode, c.cfg.TradingKeyURL, fmt.Sprintf("unexpected status: %s", truncate(string(body), 500)), nil)
		}

		var envelope struct {
			Data struct {
				TradingKey string `json:"trading_key"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return pkgerrors.NewCodecError("trading_key_response", "failed to parse JSON body", err)
		}
		key = envelope.Data.TradingKey
		return nil
	}

	var err error
	if c.cb != nil {
		err = c.cb.Execute(ctx, fn)
	} else {
		err = fn()
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

func applyHeaders(req *http.Request, token, cookies string) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15) AppleWebKit/605.1.15 (KHTML, like Gecko)")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://stockbit.com/")
	req.Header.Set("Origin", "https://stockbit.com")
	req.Header.Set("Authorization", "Bearer "+token)

	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}
}

// classifyTransportError maps a network-level failure (timeout,
// connection reset, DNS failure) to a retryable API error. Status 599 is
// synthetic -- Stockbit never sends it -- chosen only because
// errors.NewAPIError classifies any status >= 500 as KindRetryable.
func classifyTransportError(endpoint string, err error) error {
	return pkgerrors.NewAPIError(599, endpoint, "transport error", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
