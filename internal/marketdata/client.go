package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

const (
	DefaultBaseURL = "https://api.schwabapi.com/marketdata/v1"
	DefaultTimeout = 10 * time.Second

	marketTimezone = "America/New_York"
	// Pre-market opens at 04:00 exchange time; intraday bars start there.
	sessionStartHour = 4
	maxErrorBody     = 512
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	location   *time.Location
	now        func() time.Time
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("marketdata: invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(marketTimezone)
	if err != nil {
		return nil, fmt.Errorf("marketdata: load %s: %w", marketTimezone, err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		location:   loc,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// PriceHistory fetches candles. Intraday timeframes cover the current session
// from 04:00 New York time; the daily timeframe uses a period lookback.
func (c *Client) PriceHistory(ctx context.Context, symbol string, tf Timeframe) (*Response, error) {
	series, ok := SeriesFor(tf)
	if !ok {
		return nil, fmt.Errorf("marketdata: unsupported timeframe %q", tf)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("frequencyType", series.FrequencyType)
	params.Set("frequency", strconv.Itoa(series.Frequency))
	params.Set("needExtendedHoursData", "true")

	if series.FrequencyType == "minute" {
		start, end := c.sessionWindow()
		params.Set("startDate", strconv.FormatInt(start.UnixMilli(), 10))
		params.Set("endDate", strconv.FormatInt(end.UnixMilli(), 10))
	} else {
		params.Set("periodType", series.PeriodType)
		params.Set("period", strconv.Itoa(series.Period))
	}

	return c.get(ctx, "/pricehistory", params, decodeCandles)
}

func (c *Client) Quote(ctx context.Context, symbol string) (*Response, error) {
	return c.get(ctx, "/"+url.PathEscape(symbol)+"/quotes", nil, func(body []byte, resp *Response) error {
		return decodeQuote(symbol, body, resp)
	})
}

func (c *Client) sessionWindow() (time.Time, time.Time) {
	now := c.now().In(c.location)
	start := time.Date(now.Year(), now.Month(), now.Day(), sessionStartHour, 0, 0, 0, c.location)
	if now.Hour() < sessionStartHour {
		start = start.AddDate(0, 0, -1)
	}
	return start, now
}

func (c *Client) get(ctx context.Context, path string, params url.Values, decode func([]byte, *Response) error) (*Response, error) {
	token, err := c.tokens.AccessToken()
	if err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Upstream response",
		slog.String("path", path),
		slog.Int("status", res.StatusCode),
		slog.Duration("duration", time.Since(start)))

	resp := &Response{StatusCode: res.StatusCode}
	if res.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		resp.Body = string(body)
		return resp, nil
	}

	if err := decode(body, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type wireCandle struct {
	Datetime int64           `json:"datetime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
}

func decodeCandles(body []byte, resp *Response) error {
	var doc struct {
		Candles []wireCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	candles := make([]Candle, 0, len(doc.Candles))
	for _, wc := range doc.Candles {
		candles = append(candles, Candle{
			Timestamp: wc.Datetime,
			Open:      wc.Open,
			High:      wc.High,
			Low:       wc.Low,
			Close:     wc.Close,
			Volume:    wc.Volume,
		})
	}
	resp.Candles = candles
	return nil
}

func decodeQuote(symbol string, body []byte, resp *Response) error {
	var doc map[string]struct {
		Quote *Quote `json:"quote"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	entry, ok := doc[symbol]
	if !ok || entry.Quote == nil {
		return fmt.Errorf("%w: no quote for %s", ErrDecode, symbol)
	}
	entry.Quote.Symbol = symbol
	resp.Quote = entry.Quote
	return nil
}
