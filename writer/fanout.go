package writer

import (
	"context"

	"bitmexflow/logger"
)

// Fanout writes to a primary store and mirrors every accepted row to the
// secondary sinks. Only the primary decides whether an insert failed, and
// table setup and seeding always come from the primary.
type Fanout struct {
	primary Store
	mirrors []Sink
	log     *logger.Log
}

// NewFanout returns primary unchanged when there is nothing to mirror to.
func NewFanout(primary Store, mirrors ...Sink) Store {
	var active []Sink
	for _, m := range mirrors {
		if m != nil {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return primary
	}
	return &Fanout{primary: primary, mirrors: active, log: logger.GetLogger()}
}

func (f *Fanout) Insert(ctx context.Context, table string, columns []string, values []interface{}) error {
	if err := f.primary.Insert(ctx, table, columns, values); err != nil {
		return err
	}
	for _, m := range f.mirrors {
		if err := m.Insert(ctx, table, columns, values); err != nil {
			f.log.WithComponent("fanout_writer").WithError(err).WithFields(logger.Fields{"table": table}).Warn("mirror insert failed")
		}
	}
	return nil
}

func (f *Fanout) InitOrderBook(ctx context.Context, table string) (uint64, error) {
	return f.primary.InitOrderBook(ctx, table)
}

func (f *Fanout) InitTrades(ctx context.Context, table string) (uint64, string, error) {
	return f.primary.InitTrades(ctx, table)
}
