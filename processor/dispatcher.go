package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
	"bitmexflow/models"
	"bitmexflow/writer"
)

const (
	tableTrade     = "trade"
	tableOrderBook = "orderBook10"
)

// Inserter is the persistence call the dispatcher drives.
type Inserter interface {
	Insert(ctx context.Context, table string, columns []string, values []interface{}) error
}

// Tables names the persistence tables of one instrument.
type Tables struct {
	OrderBook string
	Trades    string
}

// Dispatcher classifies decoded stream messages for one instrument, routes
// table rows to the normalizers, assigns surrogate ids and issues inserts.
// Malformed frames and rows are logged and dropped; the stream continues.
type Dispatcher struct {
	ctx      context.Context
	instmt   models.Instrument
	state    *SequenceState
	sink     Inserter
	tables   Tables
	ordering models.DepthOrdering
	log      *logger.Log
}

// NewDispatcher binds a dispatcher to an instrument and its sequence state.
func NewDispatcher(ctx context.Context, instmt models.Instrument, state *SequenceState, sink Inserter, tables Tables, ordering models.DepthOrdering) *Dispatcher {
	if ordering == "" {
		ordering = models.OrderWire
	}
	return &Dispatcher{
		ctx:      ctx,
		instmt:   instmt,
		state:    state,
		sink:     sink,
		tables:   tables,
		ordering: ordering,
		log:      logger.GetLogger(),
	}
}

// Handle is the transport message handler.
func (d *Dispatcher) Handle(raw []byte) {
	if err := d.HandleMessage(raw); err != nil {
		metrics.IncrementParseError(d.instmt.InstmtCode, errorKind(err))
		d.entry().WithError(err).WithField("message", string(raw)).Warn("dropping message")
	}
}

// HandleMessage processes one frame. It only returns an error when the frame
// itself cannot be decoded; row-level failures are logged and skipped.
func (d *Dispatcher) HandleMessage(raw []byte) error {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.IncrementMessage(d.instmt.InstmtCode, "malformed", len(raw))
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	log := d.entry()

	if info, ok := env["info"]; ok {
		metrics.IncrementMessage(d.instmt.InstmtCode, "info", len(raw))
		log.WithField("info", toText(info)).Info("exchange info")
		return nil
	}

	if sub, ok := env["subscribe"]; ok {
		metrics.IncrementMessage(d.instmt.InstmtCode, "subscribe", len(raw))
		d.logSubscription(env, sub)
		return nil
	}

	if table, ok := env["table"]; ok {
		name := toText(table)
		switch name {
		case tableTrade:
			metrics.IncrementMessage(d.instmt.InstmtCode, "trade", len(raw))
			return d.handleTrades(env["data"])
		case tableOrderBook:
			metrics.IncrementMessage(d.instmt.InstmtCode, "depth", len(raw))
			return d.handleDepth(env["data"])
		default:
			metrics.IncrementMessage(d.instmt.InstmtCode, "unhandled", len(raw))
			log.WithFields(logger.Fields{"table": name, "message": string(raw)}).Info("unhandled table")
			return nil
		}
	}

	if e, ok := env["error"]; ok {
		metrics.IncrementMessage(d.instmt.InstmtCode, "error", len(raw))
		log.WithFields(logger.Fields{"error": toText(e), "message": string(raw)}).Warn("exchange error message")
		return nil
	}

	metrics.IncrementMessage(d.instmt.InstmtCode, "unhandled", len(raw))
	log.WithField("message", string(raw)).Info("unhandled message")
	return nil
}

func (d *Dispatcher) logSubscription(env map[string]json.RawMessage, sub json.RawMessage) {
	var request struct {
		Args json.RawMessage `json:"args"`
	}
	args := toText(sub)
	if r, ok := env["request"]; ok {
		if err := json.Unmarshal(r, &request); err == nil && len(request.Args) > 0 {
			args = string(request.Args)
		}
	}

	var success bool
	if s, ok := env["success"]; ok {
		_ = json.Unmarshal(s, &success)
	}
	outcome := "failed"
	if success {
		outcome = "successful"
	}

	entry := d.entry().WithFields(logger.Fields{"args": args, "success": success})
	if success {
		entry.Info(fmt.Sprintf("Subscription of %s is %s", args, outcome))
	} else {
		entry.Warn(fmt.Sprintf("Subscription of %s is %s", args, outcome))
	}
}

func (d *Dispatcher) rows(data json.RawMessage) ([]map[string]json.RawMessage, error) {
	var rows []map[string]json.RawMessage
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedEnvelope, err)
	}
	return rows, nil
}

func (d *Dispatcher) matches(row map[string]json.RawMessage) bool {
	return toText(row["symbol"]) == d.instmt.InstmtCode
}

func (d *Dispatcher) handleTrades(data json.RawMessage) error {
	rows, err := d.rows(data)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !d.matches(row) {
			continue
		}
		trade, err := ParseTrade(d.instmt, row)
		if err != nil {
			d.rowFailed("trade", row, err)
			continue
		}
		// The exchange replays recent trades on (re)subscribe.
		id, ok := d.state.AdmitTrade(trade.TradeID)
		if !ok {
			metrics.IncrementDuplicate(d.instmt.InstmtCode)
			d.entry().WithField("trade_id", trade.TradeID).Debug("duplicate trade dropped")
			continue
		}
		columns := append([]string{"id"}, models.TradeColumns()...)
		values := append([]interface{}{id}, trade.Values()...)
		d.insert(d.tables.Trades, "trade", columns, values)
	}
	return nil
}

func (d *Dispatcher) handleDepth(data json.RawMessage) error {
	rows, err := d.rows(data)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !d.matches(row) {
			continue
		}
		depth, err := ParseL2Depth(d.instmt, row, d.ordering)
		if err != nil {
			d.rowFailed("depth", row, err)
			continue
		}
		id := d.state.NextDepthID()
		columns := append([]string{"id"}, models.L2DepthColumns()...)
		values := append([]interface{}{id}, depth.Values()...)
		d.insert(d.tables.OrderBook, "depth", columns, values)
	}
	return nil
}

func (d *Dispatcher) insert(table, kind string, columns []string, values []interface{}) {
	if err := d.sink.Insert(d.ctx, table, columns, values); err != nil {
		fields := logger.Fields{"table": table, "id": values[0]}
		if errors.Is(err, writer.ErrQueueFull) || errors.Is(err, writer.ErrQueueClosed) {
			// already dead-lettered by the queue
			d.entry().WithError(err).WithFields(fields).Debug("row diverted")
			return
		}
		d.entry().WithError(err).WithFields(fields).Error("insert failed")
		return
	}
	metrics.IncrementInsert(d.instmt.InstmtCode, kind)
}

func (d *Dispatcher) rowFailed(kind string, row map[string]json.RawMessage, err error) {
	metrics.IncrementParseError(d.instmt.InstmtCode, errorKind(err))
	payload, _ := json.Marshal(row)
	d.entry().WithError(err).WithFields(logger.Fields{"kind": kind, "row": string(payload)}).Warn("dropping row")
}

func (d *Dispatcher) entry() *logger.Entry {
	return d.log.WithComponent("bitmex_dispatcher").WithFields(logger.Fields{
		"exchange": d.instmt.Exchange,
		"instmt":   d.instmt.InstmtCode,
	})
}
