package processor

import (
	"encoding/json"
	"fmt"
	"sort"

	"bitmexflow/models"
)

type level struct {
	price  float64
	volume float64
}

// ParseL2Depth converts one raw depth row into a canonical snapshot. Keys not
// present in the instrument's order book mapping are ignored. Each side keeps
// at most models.DepthLevels levels.
func ParseL2Depth(instmt models.Instrument, raw map[string]json.RawMessage, ordering models.DepthOrdering) (*models.L2Depth, error) {
	depth := models.NewL2Depth(instmt.Exchange, instmt.InstmtCode)
	fields := instmt.OrderBookFieldsMap

	for key, value := range raw {
		role, ok := fields.Lookup(key)
		if !ok {
			continue
		}

		switch role {
		case models.RoleTimestamp:
			depth.DateTime = toText(value)
		case models.RoleBids:
			levels, err := parseLevels(value, ordering, true)
			if err != nil {
				return nil, fmt.Errorf("bids: %w", err)
			}
			depth.Bid, depth.BidVolume = split(levels)
		case models.RoleAsks:
			levels, err := parseLevels(value, ordering, false)
			if err != nil {
				return nil, fmt.Errorf("asks: %w", err)
			}
			depth.Ask, depth.AskVolume = split(levels)
		default:
			return nil, fmt.Errorf("%w: %s on key %q in order book mapping", ErrUnrecognizedField, role, key)
		}
	}

	return depth, nil
}

// parseLevels decodes [[price, volume], ...]. With wire ordering the first
// DepthLevels entries are kept as delivered; with price ordering the best
// levels are kept, highest first for bids and lowest first for asks.
func parseLevels(value json.RawMessage, ordering models.DepthOrdering, bids bool) ([]level, error) {
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(value, &pairs); err != nil {
		return nil, fmt.Errorf("%w: levels must be an array of pairs", ErrMalformedValue)
	}

	if ordering != models.OrderPrice && len(pairs) > models.DepthLevels {
		pairs = pairs[:models.DepthLevels]
	}

	levels := make([]level, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) < 2 {
			return nil, fmt.Errorf("%w: level %d has %d elements", ErrMalformedValue, i, len(pair))
		}
		price, err := toFloat(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		volume, err := toFloat(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d volume: %w", i, err)
		}
		levels = append(levels, level{price: price, volume: volume})
	}

	if ordering == models.OrderPrice {
		sort.SliceStable(levels, func(i, j int) bool {
			if bids {
				return levels[i].price > levels[j].price
			}
			return levels[i].price < levels[j].price
		})
		if len(levels) > models.DepthLevels {
			levels = levels[:models.DepthLevels]
		}
	}
	return levels, nil
}

func split(levels []level) ([]float64, []float64) {
	prices := make([]float64, len(levels))
	volumes := make([]float64, len(levels))
	for i, l := range levels {
		prices[i] = l.price
		volumes[i] = l.volume
	}
	return prices, volumes
}
