package marketdata

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrDecode = errors.New("marketdata: malformed response body")
	ErrToken  = errors.New("marketdata: access token unavailable")
)

// Timeframe selects candle granularity, or a quote.
type Timeframe string

const (
	Timeframe1m    Timeframe = "1m"
	Timeframe5m    Timeframe = "5m"
	Timeframe15m   Timeframe = "15m"
	TimeframeDaily Timeframe = "D"
	TimeframeQuote Timeframe = "quote"
)

// Series is how the upstream names a bar size and lookback window.
type Series struct {
	FrequencyType string
	Frequency     int
	PeriodType    string
	Period        int
}

var seriesByTimeframe = map[Timeframe]Series{
	Timeframe1m:    {FrequencyType: "minute", Frequency: 1, PeriodType: "day", Period: 1},
	Timeframe5m:    {FrequencyType: "minute", Frequency: 5, PeriodType: "day", Period: 1},
	Timeframe15m:   {FrequencyType: "minute", Frequency: 15, PeriodType: "day", Period: 1},
	TimeframeDaily: {FrequencyType: "daily", Frequency: 1, PeriodType: "month", Period: 30},
}

// SeriesFor reports the upstream parameters for a candle timeframe.
func SeriesFor(tf Timeframe) (Series, bool) {
	s, ok := seriesByTimeframe[tf]
	return s, ok
}

// Valid reports whether tf is a known candle timeframe or a quote.
func (tf Timeframe) Valid() bool {
	if tf == TimeframeQuote {
		return true
	}
	_, ok := seriesByTimeframe[tf]
	return ok
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

type Candle struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

type Quote struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"lastPrice"`
	Bid       decimal.Decimal `json:"bidPrice"`
	Ask       decimal.Decimal `json:"askPrice"`
	Open      decimal.Decimal `json:"openPrice"`
	High      decimal.Decimal `json:"highPrice"`
	Low       decimal.Decimal `json:"lowPrice"`
	Close     decimal.Decimal `json:"closePrice"`
	NetChange decimal.Decimal `json:"netChange"`
	Volume    int64           `json:"totalVolume"`
	QuoteTime int64           `json:"quoteTime"`
}

// Response is what crosses back from a worker: the status code and, for a
// 200, the decoded payload. Body holds the raw text of non-200 replies for
// logging.
type Response struct {
	StatusCode int
	Candles    []Candle
	Quote      *Quote
	Body       string
}
