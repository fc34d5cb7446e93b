package writer

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	appconfig "bitmexflow/config"
	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
)

// Dead-letter reasons.
const (
	ReasonQueueFull   = "queue_full"
	ReasonQueueClosed = "queue_closed"
	ReasonRetries     = "retries_exhausted"
	ReasonShutdown    = "shutdown"
	ReasonArchive     = "archive_failed"
)

// Rejecter takes rows that could not be persisted.
type Rejecter interface {
	Reject(table string, columns []string, values []interface{}, reason string, cause error) error
}

// DeadLetterEntry is one line of the dead-letter file.
type DeadLetterEntry struct {
	ID     string                 `json:"id"`
	Time   time.Time              `json:"time"`
	Table  string                 `json:"table"`
	Reason string                 `json:"reason"`
	Error  string                 `json:"error,omitempty"`
	Row    map[string]interface{} `json:"row"`
}

// DeadLetter appends rejected rows as JSON lines to a rotated file.
type DeadLetter struct {
	mu  sync.Mutex
	out io.Writer
	log *logger.Log
}

// NewDeadLetter opens the dead-letter file described by cfg.
func NewDeadLetter(cfg appconfig.DeadLetter) *DeadLetter {
	return newDeadLetter(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

func newDeadLetter(out io.Writer) *DeadLetter {
	return &DeadLetter{out: out, log: logger.GetLogger()}
}

// Reject records a row. The row is also logged so it is never lost silently.
func (d *DeadLetter) Reject(table string, columns []string, values []interface{}, reason string, cause error) error {
	row, err := rowMap(columns, values)
	if err != nil {
		row = map[string]interface{}{"columns": columns, "values": values}
	}
	entry := DeadLetterEntry{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Table:  table,
		Reason: reason,
		Row:    row,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	metrics.IncrementDeadLetter(table, reason)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	log := d.log.WithComponent("dead_letter").WithFields(logger.Fields{
		"id":     entry.ID,
		"table":  table,
		"reason": reason,
	})
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Warn("row moved to dead letter")

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(append(line, '\n')); err != nil {
		log.WithField("row", string(line)).Error("failed to write dead letter")
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// Close closes the underlying file when it has one.
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
