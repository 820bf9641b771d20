package fetcher

import (
	"github.com/bagoltermann/momentum-trader-charting/internal/cache"
	"github.com/bagoltermann/momentum-trader-charting/internal/circuitbreaker"
	"github.com/bagoltermann/momentum-trader-charting/internal/executor"
)

type Status struct {
	Breaker     circuitbreaker.Snapshot `json:"circuit_breaker"`
	Executor    executor.Stats          `json:"executor"`
	CandleCache cache.Stats             `json:"candle_cache"`
	QuoteCache  cache.Stats             `json:"quote_cache"`
}

func (f *Fetcher) Status() Status {
	return Status{
		Breaker:     f.breaker.Snapshot(),
		Executor:    f.exec.Stats(),
		CandleCache: f.candles.Stats(),
		QuoteCache:  f.quotes.Stats(),
	}
}
