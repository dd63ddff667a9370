// Package micro gates entries on order-book imbalance and trade-tape flow.
package micro

import (
	"sync"
	"time"

	"tradeguard/internal/domain"
)

// ConflictPolicy decides what happens when book and tape disagree.
type ConflictPolicy string

const (
	ConflictWait  ConflictPolicy = "WAIT"  // block now, retry on a later tick
	ConflictAbort ConflictPolicy = "ABORT" // hard block for this signal
)

// Config tunes the filter.
type Config struct {
	DepthLevels    int            // book levels summed for OBI, default 5
	OBILongMin     float64        // default 0.15
	OBIShortMax    float64        // default -0.15
	AFRLongMin     float64        // default 0.55
	AFRShortMax    float64        // default 0.45
	MinTapeTrades  int            // AFR undefined below this, default 20
	TapeWindow     int            // rolling tape capacity, default 100
	OBICacheTTL    time.Duration  // default 500ms
	ConflictPolicy ConflictPolicy // WAIT or ABORT, default WAIT
}

// DefaultConfig returns the standard filter configuration.
func DefaultConfig() Config {
	return Config{
		DepthLevels:    5,
		OBILongMin:     0.15,
		OBIShortMax:    -0.15,
		AFRLongMin:     0.55,
		AFRShortMax:    0.45,
		MinTapeTrades:  20,
		TapeWindow:     100,
		OBICacheTTL:    500 * time.Millisecond,
		ConflictPolicy: ConflictWait,
	}
}

type cachedOBI struct {
	value float64
	at    time.Time
}

// Filter computes OBI and AFR per symbol and turns them into an entry
// verdict. OBI is cached with a short TTL so repeated ticks within the same
// book snapshot do not recompute it.
type Filter struct {
	mu       sync.Mutex
	cfg      Config
	obiCache map[string]cachedOBI
	tapes    map[string]*tape
	now      func() time.Time
}

// tape is a bounded FIFO of recent prints.
type tape struct {
	trades []domain.TapeTrade
	cap    int
}

func (t *tape) push(tr domain.TapeTrade) {
	t.trades = append(t.trades, tr)
	if len(t.trades) > t.cap {
		t.trades = t.trades[len(t.trades)-t.cap:]
	}
}

// New creates a Filter. Zero config fields take defaults.
func New(cfg Config) *Filter {
	def := DefaultConfig()
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = def.DepthLevels
	}
	if cfg.OBILongMin == 0 {
		cfg.OBILongMin = def.OBILongMin
	}
	if cfg.OBIShortMax == 0 {
		cfg.OBIShortMax = def.OBIShortMax
	}
	if cfg.AFRLongMin == 0 {
		cfg.AFRLongMin = def.AFRLongMin
	}
	if cfg.AFRShortMax == 0 {
		cfg.AFRShortMax = def.AFRShortMax
	}
	if cfg.MinTapeTrades <= 0 {
		cfg.MinTapeTrades = def.MinTapeTrades
	}
	if cfg.TapeWindow <= 0 {
		cfg.TapeWindow = def.TapeWindow
	}
	if cfg.OBICacheTTL <= 0 {
		cfg.OBICacheTTL = def.OBICacheTTL
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = def.ConflictPolicy
	}

	return &Filter{
		cfg:      cfg,
		obiCache: make(map[string]cachedOBI),
		tapes:    make(map[string]*tape),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock, for tests.
func (f *Filter) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// RecordTrade feeds one tape print into the symbol's rolling window.
func (f *Filter) RecordTrade(symbol string, tr domain.TapeTrade) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tp, ok := f.tapes[symbol]
	if !ok {
		tp = &tape{cap: f.cfg.TapeWindow}
		f.tapes[symbol] = tp
	}
	tp.push(tr)
}

// OBI computes the order-book imbalance over the configured depth, serving
// the cached value within the TTL. An empty book yields zero.
func (f *Filter) OBI(symbol string, book *domain.OrderBook) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.obiCache[symbol]; ok && f.now().Sub(cached.at) < f.cfg.OBICacheTTL {
		return cached.value
	}

	obi := computeOBI(book, f.cfg.DepthLevels)
	f.obiCache[symbol] = cachedOBI{value: obi, at: f.now()}
	return obi
}

func computeOBI(book *domain.OrderBook, levels int) float64 {
	if book == nil {
		return 0
	}
	bid := book.BidDepth(levels)
	ask := book.AskDepth(levels)
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// AFR returns the aggressive fill ratio for a symbol, nil until the minimum
// number of tape prints has been collected.
func (f *Filter) AFR(symbol string) *float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afrLocked(symbol)
}

func (f *Filter) afrLocked(symbol string) *float64 {
	tp, ok := f.tapes[symbol]
	if !ok || len(tp.trades) < f.cfg.MinTapeTrades {
		return nil
	}

	var buy, total float64
	for _, tr := range tp.trades {
		total += tr.Qty
		if tr.AggressiveBuy {
			buy += tr.Qty
		}
	}
	if total == 0 {
		return nil
	}
	afr := buy / total
	return &afr
}

// Evaluate combines OBI and AFR into the entry verdict for one symbol.
func (f *Filter) Evaluate(symbol string, book *domain.OrderBook) domain.MicrostructureSignal {
	obi := f.OBI(symbol, book)

	f.mu.Lock()
	afr := f.afrLocked(symbol)
	f.mu.Unlock()

	longAllowed := obi >= f.cfg.OBILongMin && (afr == nil || *afr >= f.cfg.AFRLongMin)
	shortAllowed := obi <= f.cfg.OBIShortMax && (afr == nil || *afr <= f.cfg.AFRShortMax)

	// Conflict: book and tape strictly favor opposite sides.
	conflict := false
	if afr != nil {
		obiLong := obi >= f.cfg.OBILongMin
		obiShort := obi <= f.cfg.OBIShortMax
		afrLong := *afr >= f.cfg.AFRLongMin
		afrShort := *afr <= f.cfg.AFRShortMax
		conflict = (obiLong && afrShort) || (obiShort && afrLong)
	}

	action := domain.MicroWait
	switch {
	case conflict:
		longAllowed, shortAllowed = false, false
		if f.cfg.ConflictPolicy == ConflictAbort {
			action = domain.MicroAbort
		}
	case longAllowed:
		action = domain.MicroLong
	case shortAllowed:
		action = domain.MicroShort
	}

	return domain.MicrostructureSignal{
		OBI:              obi,
		AFR:              afr,
		LongAllowed:      longAllowed,
		ShortAllowed:     shortAllowed,
		ConflictDetected: conflict,
		Action:           action,
	}
}

// Allows reports whether an entry on the given side passes the filter.
func (f *Filter) Allows(side domain.Side, sig domain.MicrostructureSignal) bool {
	if side == domain.SideLong {
		return sig.LongAllowed
	}
	return sig.ShortAllowed
}
