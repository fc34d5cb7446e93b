package models

import (
	"fmt"
	"strings"
)

// DepthLevels is the number of price levels kept per side of a snapshot.
const DepthLevels = 5

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// DEPTH /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// DepthOrdering selects how depth levels are ordered before truncation.
type DepthOrdering string

const (
	// OrderWire keeps levels in the order the exchange delivered them.
	OrderWire DepthOrdering = "wire"
	// OrderPrice puts the best price first: bids descending, asks ascending.
	// This is intentionally the reverse of sorting bids ascending and asks
	// descending, so level 1 is always top of book.
	OrderPrice DepthOrdering = "price"
)

// ParseDepthOrdering accepts "" as the default wire ordering.
func ParseDepthOrdering(s string) (DepthOrdering, error) {
	switch DepthOrdering(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderWire:
		return OrderWire, nil
	case OrderPrice:
		return OrderPrice, nil
	default:
		return "", fmt.Errorf("invalid depth ordering %q", s)
	}
}

// L2Depth is a canonical order book snapshot with at most DepthLevels levels
// per side.
type L2Depth struct {
	Exchange  string
	Instmt    string
	DateTime  string
	Bid       []float64
	BidVolume []float64
	Ask       []float64
	AskVolume []float64
}

// NewL2Depth returns an empty snapshot carrying the instrument identity.
func NewL2Depth(exchange, instmt string) *L2Depth {
	return &L2Depth{
		Exchange:  exchange,
		Instmt:    instmt,
		Bid:       []float64{},
		BidVolume: []float64{},
		Ask:       []float64{},
		AskVolume: []float64{},
	}
}

var depthColumns = func() []string {
	cols := []string{"exchange", "instmt", "date_time"}
	for _, prefix := range []string{"b", "a", "bq", "aq"} {
		for i := 1; i <= DepthLevels; i++ {
			cols = append(cols, fmt.Sprintf("%s%d", prefix, i))
		}
	}
	return cols
}()

// L2DepthColumns lists the persisted depth columns, excluding the surrogate id.
func L2DepthColumns() []string {
	out := make([]string, len(depthColumns))
	copy(out, depthColumns)
	return out
}

// Values returns the row values aligned with L2DepthColumns. Missing levels
// are padded with zero.
func (d *L2Depth) Values() []interface{} {
	vals := make([]interface{}, 0, len(depthColumns))
	vals = append(vals, d.Exchange, d.Instmt, d.DateTime)
	for _, side := range [][]float64{d.Bid, d.Ask, d.BidVolume, d.AskVolume} {
		for i := 0; i < DepthLevels; i++ {
			if i < len(side) {
				vals = append(vals, side[i])
			} else {
				vals = append(vals, 0.0)
			}
		}
	}
	return vals
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// TRADE /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// TradeSide is the aggressor side of a trade.
type TradeSide int

const (
	SideNone TradeSide = 0
	SideBuy  TradeSide = 1
	SideSell TradeSide = 2
)

func (s TradeSide) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// Trade is a canonical trade print. TradeID is the exchange-native id in
// text form.
type Trade struct {
	Exchange    string
	Instmt      string
	DateTime    string
	TradeID     string
	TradeSide   TradeSide
	TradePrice  float64
	TradeVolume float64
}

// NewTrade returns an empty trade carrying the instrument identity.
func NewTrade(exchange, instmt string) *Trade {
	return &Trade{Exchange: exchange, Instmt: instmt}
}

var tradeColumns = []string{"exchange", "instmt", "date_time", "trade_id", "trade_price", "trade_volume", "trade_side"}

// TradeColumns lists the persisted trade columns, excluding the surrogate id.
func TradeColumns() []string {
	out := make([]string, len(tradeColumns))
	copy(out, tradeColumns)
	return out
}

// Values returns the row values aligned with TradeColumns.
func (t *Trade) Values() []interface{} {
	return []interface{}{t.Exchange, t.Instmt, t.DateTime, t.TradeID, t.TradePrice, t.TradeVolume, int(t.TradeSide)}
}
