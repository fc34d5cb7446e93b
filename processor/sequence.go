package processor

import "sync"

// SequenceState holds the surrogate id counters and the trade dedup marker for
// one gateway. The counters store the last assigned id, so a state seeded with
// the persisted maximum hands out maximum+1 next. All mutation goes through the
// mutex so the dispatcher may be driven from more than one goroutine.
type SequenceState struct {
	mu          sync.Mutex
	depthID     uint64
	tradeID     uint64
	lastTradeID string
}

// SequenceSnapshot is a copy of the state for reporting.
type SequenceSnapshot struct {
	DepthID     uint64 `json:"depth_id"`
	TradeID     uint64 `json:"trade_id"`
	LastTradeID string `json:"last_trade_id"`
}

// NewSequenceState seeds the state from persisted maxima.
func NewSequenceState(depthID, tradeID uint64, lastTradeID string) *SequenceState {
	return &SequenceState{depthID: depthID, tradeID: tradeID, lastTradeID: lastTradeID}
}

// NextDepthID assigns the next depth surrogate id.
func (s *SequenceState) NextDepthID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depthID++
	return s.depthID
}

// AdmitTrade assigns the next trade surrogate id unless exchTradeID equals the
// most recently admitted exchange trade id. Only the single latest id is
// remembered: an older id redelivered out of order is admitted again.
func (s *SequenceState) AdmitTrade(exchTradeID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exchTradeID == s.lastTradeID {
		return 0, false
	}
	s.tradeID++
	s.lastTradeID = exchTradeID
	return s.tradeID, true
}

func (s *SequenceState) Snapshot() SequenceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SequenceSnapshot{DepthID: s.depthID, TradeID: s.tradeID, LastTradeID: s.lastTradeID}
}
