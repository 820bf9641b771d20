package relay

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bagoltermann/momentum-trader-charting/internal/cache"
	"github.com/bagoltermann/momentum-trader-charting/internal/marketdata"
)

const DefaultSpikeExpiry = 30 * time.Second

type Spike struct {
	Symbol     string          `json:"symbol"`
	Ratio      decimal.Decimal `json:"spike_ratio"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// SpikeStore keeps the latest volume spike per symbol for a short while so
// clients can poll for them.
type SpikeStore struct {
	spikes *cache.TTLCache[string, Spike]
	now    func() time.Time
}

// NewSpikeStore keeps spikes for expiry. now may be nil.
func NewSpikeStore(expiry time.Duration, now func() time.Time) *SpikeStore {
	if expiry <= 0 {
		expiry = DefaultSpikeExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &SpikeStore{
		spikes: cache.New[string, Spike](expiry, cache.WithClock(now)),
		now:    now,
	}
}

// Record stores a volume_spike payload. Payloads without a symbol are
// ignored.
func (s *SpikeStore) Record(data json.RawMessage) (Spike, bool) {
	var doc struct {
		Symbol string          `json:"symbol"`
		Ratio  decimal.Decimal `json:"spike_ratio"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Spike{}, false
	}

	symbol := marketdata.NormalizeSymbol(doc.Symbol)
	if symbol == "" {
		return Spike{}, false
	}

	spike := Spike{
		Symbol:     symbol,
		Ratio:      doc.Ratio,
		Data:       data,
		ReceivedAt: s.now(),
	}
	s.spikes.Put(symbol, spike)
	return spike, true
}

// Active returns spikes that have not expired yet.
func (s *SpikeStore) Active() map[string]Spike {
	return s.spikes.Items()
}
