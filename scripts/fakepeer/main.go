// Fakepeer stands in for both sides of the data layer during manual
// testing: the market-data REST API and the trading app's quote stream.
//
// Usage:
//
//	go run ./scripts/fakepeer -port 8080
//
// Point the service at it with UPSTREAM_BASE_URL=http://localhost:8080/marketdata/v1
// and UPSTREAM_TOKEN=dev. The upstream can be made to fail on demand:
//
//	curl 'http://localhost:8080/control/upstream?mode=500'   # 500, 429, timeout or ok
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type symbolsPayload struct {
	Symbols []string `json:"symbols"`
}

type candle struct {
	Datetime int64           `json:"datetime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   int64           `json:"volume"`
}

type quote struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	TotalVolume int64           `json:"totalVolume"`
	QuoteTime   int64           `json:"quoteTime"`
}

type peer struct {
	mode     atomic.Value
	requests atomic.Int64
	interval time.Duration
	spikeP   float64
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func main() {
	var (
		port     = flag.Int("port", 8080, "port to listen on")
		interval = flag.Duration("interval", time.Second, "quote push interval")
		spikeP   = flag.Float64("spike-probability", 0.05, "chance per tick that a volume spike is pushed")
	)
	flag.Parse()

	p := &peer{
		interval: *interval,
		spikeP:   *spikeP,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	p.mode.Store("ok")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /marketdata/v1/pricehistory", p.priceHistory)
	mux.HandleFunc("GET /marketdata/v1/{symbol}/quotes", p.quotes)
	mux.HandleFunc("GET /control/upstream", p.control)
	mux.HandleFunc("GET /api/streaming/quotes/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"connected": true})
	})
	mux.HandleFunc("GET /ws/quotes", p.stream)

	addr := fmt.Sprintf(":%d", *port)
	p.logger.Info("starting fake peer", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		p.logger.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// fail answers according to the current upstream mode and reports whether
// the request was handled.
func (p *peer) fail(w http.ResponseWriter) bool {
	p.requests.Add(1)

	switch p.mode.Load().(string) {
	case "500":
		http.Error(w, "internal error", http.StatusInternalServerError)
	case "429":
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	case "timeout":
		time.Sleep(30 * time.Second)
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	default:
		return false
	}
	return true
}

func (p *peer) priceHistory(w http.ResponseWriter, r *http.Request) {
	if p.fail(w) {
		return
	}

	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	p.logger.Info("price history", slog.String("symbol", symbol), slog.String("frequency", r.URL.Query().Get("frequency")))

	now := time.Now().Truncate(time.Minute)
	price := decimal.NewFromFloat(2 + rand.Float64()*3)
	candles := make([]candle, 0, 30)
	for i := 29; i >= 0; i-- {
		move := decimal.NewFromFloat((rand.Float64() - 0.5) / 10).Round(2)
		next := price.Add(move)
		candles = append(candles, candle{
			Datetime: now.Add(-time.Duration(i) * time.Minute).UnixMilli(),
			Open:     price,
			High:     decimal.Max(price, next).Add(decimal.NewFromFloat(0.01)),
			Low:      decimal.Min(price, next).Sub(decimal.NewFromFloat(0.01)),
			Close:    next,
			Volume:   rand.Int64N(50000) + 1000,
		})
		price = next
	}

	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "candles": candles, "empty": false})
}

func (p *peer) quotes(w http.ResponseWriter, r *http.Request) {
	if p.fail(w) {
		return
	}

	symbol := strings.ToUpper(r.PathValue("symbol"))
	writeJSON(w, http.StatusOK, map[string]any{
		symbol: map[string]any{"quote": randomQuote(symbol)},
	})
}

func (p *peer) control(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	switch mode {
	case "ok", "500", "429", "timeout":
	default:
		http.Error(w, "mode must be ok, 500, 429 or timeout", http.StatusBadRequest)
		return
	}

	p.mode.Store(mode)
	p.logger.Warn("upstream mode changed", slog.String("mode", mode))
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "requests": p.requests.Load()})
}

func (p *peer) stream(w http.ResponseWriter, r *http.Request) {
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	p.logger.Info("relay connected", slog.String("from", r.RemoteAddr))

	var (
		writeMu sync.Mutex
		subsMu  sync.Mutex
		subs    = make(map[string]bool)
		done    = make(chan struct{})
	)

	write := func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(envelope{Event: event, Data: data})
	}

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			subsMu.Lock()
			symbols := make([]string, 0, len(subs))
			for s := range subs {
				symbols = append(symbols, s)
			}
			subsMu.Unlock()

			for _, s := range symbols {
				if err := write("quote_update", randomQuote(s)); err != nil {
					return
				}
				if rand.Float64() < p.spikeP {
					ratio := decimal.NewFromFloat(3 + rand.Float64()*5).Round(1)
					write("volume_spike", map[string]any{"symbol": s, "spike_ratio": ratio})
				}
			}
		}
	}()
	defer close(done)

	for {
		var env envelope
		if err := ws.ReadJSON(&env); err != nil {
			p.logger.Info("relay disconnected", slog.String("reason", err.Error()))
			return
		}

		var payload symbolsPayload
		json.Unmarshal(env.Data, &payload)

		subsMu.Lock()
		for _, s := range payload.Symbols {
			switch env.Event {
			case "subscribe_quotes":
				subs[strings.ToUpper(s)] = true
			case "unsubscribe_quotes":
				delete(subs, strings.ToUpper(s))
			}
		}
		subsMu.Unlock()

		p.logger.Info("subscription change", slog.String("event", env.Event), slog.Any("symbols", payload.Symbols))
		switch env.Event {
		case "subscribe_quotes":
			write("subscribe_response", payload)
		case "unsubscribe_quotes":
			write("unsubscribe_response", payload)
		}
	}
}

func randomQuote(symbol string) quote {
	return quote{
		Symbol:      symbol,
		LastPrice:   decimal.NewFromFloat(2 + rand.Float64()*3).Round(2),
		TotalVolume: rand.Int64N(5_000_000),
		QuoteTime:   time.Now().UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
