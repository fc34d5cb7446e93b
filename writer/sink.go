package writer

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrColumnMismatch is an insert whose columns and values differ in length.
	ErrColumnMismatch = errors.New("columns and values length mismatch")
	// ErrQueueFull is returned when a row could not be queued in time.
	ErrQueueFull = errors.New("insert queue full")
	// ErrQueueClosed is returned for inserts after Close.
	ErrQueueClosed = errors.New("insert queue closed")
)

// Sink accepts canonical rows for a table.
type Sink interface {
	Insert(ctx context.Context, table string, columns []string, values []interface{}) error
}

// Store is the primary sink. Besides inserts it prepares the per-instrument
// tables and reports the persisted state a gateway is seeded from.
type Store interface {
	Sink
	// InitOrderBook prepares the depth table and returns its max surrogate id.
	InitOrderBook(ctx context.Context, table string) (uint64, error)
	// InitTrades prepares the trades table and returns its max surrogate id
	// and the exchange trade id of that row.
	InitTrades(ctx context.Context, table string) (uint64, string, error)
}

// OrderBookTableName is the depth table of an exchange/instrument pair.
func OrderBookTableName(exchange, instmtName string) string {
	return tableIdent("exch", exchange, instmtName, "snapshot")
}

// TradesTableName is the trade table of an exchange/instrument pair.
func TradesTableName(exchange, instmtName string) string {
	return tableIdent("exch", exchange, instmtName, "trades")
}

func tableIdent(parts ...string) string {
	name := strings.ToLower(strings.Join(parts, "_"))
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '_'
	}, name)
}

func rowMap(columns []string, values []interface{}) (map[string]interface{}, error) {
	if len(columns) != len(values) {
		return nil, ErrColumnMismatch
	}
	row := make(map[string]interface{}, len(columns))
	for i, c := range columns {
		row[c] = values[i]
	}
	return row, nil
}
