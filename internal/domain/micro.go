package domain

import "time"

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot returned by the exchange client.
type OrderBook struct {
	Symbol    string
	Bids      []BookLevel // best first
	Asks      []BookLevel // best first
	Timestamp time.Time
}

// BidDepth sums bid quantity over the top n levels.
func (b *OrderBook) BidDepth(n int) float64 {
	return sumDepth(b.Bids, n)
}

// AskDepth sums ask quantity over the top n levels.
func (b *OrderBook) AskDepth(n int) float64 {
	return sumDepth(b.Asks, n)
}

// Spread returns ask - bid at the touch, zero for an empty book.
func (b *OrderBook) Spread() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price - b.Bids[0].Price
}

// MidPrice returns the touch midpoint, zero for an empty book.
func (b *OrderBook) MidPrice() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.Asks[0].Price + b.Bids[0].Price) / 2
}

func sumDepth(levels []BookLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var total float64
	for i := 0; i < n; i++ {
		total += levels[i].Qty
	}
	return total
}

// TapeTrade is one print from the trade tape used for AFR computation.
type TapeTrade struct {
	Qty           float64
	AggressiveBuy bool // taker was the buyer
	Timestamp     time.Time
}

// MicroAction is the microstructure filter's verdict for a proposed entry.
type MicroAction string

const (
	MicroLong  MicroAction = "LONG"
	MicroShort MicroAction = "SHORT"
	MicroWait  MicroAction = "WAIT"
	MicroAbort MicroAction = "ABORT"
)

// MicrostructureSignal is the computed gate result for one symbol.
type MicrostructureSignal struct {
	OBI              float64  // order-book imbalance in [-1, 1]
	AFR              *float64 // aggressive fill ratio in [0, 1], nil before warm-up
	LongAllowed      bool
	ShortAllowed     bool
	ConflictDetected bool
	Action           MicroAction
}
