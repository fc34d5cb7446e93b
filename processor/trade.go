package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"bitmexflow/models"
)

// ParseTrade converts one raw trade row into a canonical trade. Keys not
// present in the instrument's trade mapping are ignored. Price and volume are
// coerced to float64 like depth levels, so a non-numeric value fails with
// ErrMalformedValue.
func ParseTrade(instmt models.Instrument, raw map[string]json.RawMessage) (*models.Trade, error) {
	trade := models.NewTrade(instmt.Exchange, instmt.InstmtCode)
	fields := instmt.TradesFieldsMap

	for key, value := range raw {
		role, ok := fields.Lookup(key)
		if !ok {
			continue
		}

		switch role {
		case models.RoleTimestamp:
			trade.DateTime = toText(value)
		case models.RoleTradeSide:
			side, err := ParseTradeSide(value)
			if err != nil {
				return nil, err
			}
			trade.TradeSide = side
		case models.RoleTradeID:
			trade.TradeID = toText(value)
		case models.RoleTradePrice:
			price, err := toFloat(value)
			if err != nil {
				return nil, fmt.Errorf("trade price: %w", err)
			}
			trade.TradePrice = price
		case models.RoleTradeVolume:
			volume, err := toFloat(value)
			if err != nil {
				return nil, fmt.Errorf("trade volume: %w", err)
			}
			trade.TradeVolume = volume
		default:
			return nil, fmt.Errorf("%w: %s on key %q in trades mapping", ErrUnrecognizedField, role, key)
		}
	}

	return trade, nil
}

// ParseTradeSide accepts the numeric codes 1 (buy) and 2 (sell) or the
// case-insensitive strings "buy" and "sell".
func ParseTradeSide(raw json.RawMessage) (models.TradeSide, error) {
	raw = bytes.TrimSpace(raw)

	var code int64
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return models.SideNone, fmt.Errorf("%w: %s", ErrInvalidTradeSide, raw)
		}
		switch strings.ToLower(s) {
		case "buy":
			code = 1
		case "sell":
			code = 2
		default:
			return models.SideNone, fmt.Errorf("%w: %q", ErrInvalidTradeSide, s)
		}
	} else {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			if _, ferr := strconv.ParseFloat(string(raw), 64); ferr == nil {
				return models.SideNone, fmt.Errorf("%w: %s", ErrUnexpectedTradeSideValue, raw)
			}
			return models.SideNone, fmt.Errorf("%w: %s", ErrInvalidTradeSide, raw)
		}
		code = n
	}

	switch code {
	case 1:
		return models.SideBuy, nil
	case 2:
		return models.SideSell, nil
	default:
		return models.SideNone, fmt.Errorf("%w: %d", ErrUnexpectedTradeSideValue, code)
	}
}
