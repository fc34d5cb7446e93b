package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	messagesRead  int64
	bytesRead     int64
	depthInserts  int64
	tradeInserts  int64
	duplicates    int64
	parseFailures int64
	deadLetters   int64
	retries       int64
	components    sync.Map // map[string]*componentStat
)

func componentFor(name string) *componentStat {
	v, _ := components.LoadOrStore(name, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentFor(component).errors, 1)
}

func IncrementMessageRead(size int) {
	atomic.AddInt64(&messagesRead, 1)
	atomic.AddInt64(&bytesRead, int64(size))
}

func IncrementDepthInsert() { atomic.AddInt64(&depthInserts, 1) }

func IncrementTradeInsert() { atomic.AddInt64(&tradeInserts, 1) }

func IncrementDuplicate() { atomic.AddInt64(&duplicates, 1) }

func IncrementParseFailure() { atomic.AddInt64(&parseFailures, 1) }

func IncrementDeadLetter() { atomic.AddInt64(&deadLetters, 1) }

func IncrementRetryCount() { atomic.AddInt64(&retries, 1) }

// ReportCounters is a point-in-time copy of the runtime counters.
type ReportCounters struct {
	MessagesRead  int64
	BytesRead     int64
	DepthInserts  int64
	TradeInserts  int64
	Duplicates    int64
	ParseFailures int64
	DeadLetters   int64
	Retries       int64
}

// Counters returns the current counter values.
func Counters() ReportCounters {
	return ReportCounters{
		MessagesRead:  atomic.LoadInt64(&messagesRead),
		BytesRead:     atomic.LoadInt64(&bytesRead),
		DepthInserts:  atomic.LoadInt64(&depthInserts),
		TradeInserts:  atomic.LoadInt64(&tradeInserts),
		Duplicates:    atomic.LoadInt64(&duplicates),
		ParseFailures: atomic.LoadInt64(&parseFailures),
		DeadLetters:   atomic.LoadInt64(&deadLetters),
		Retries:       atomic.LoadInt64(&retries),
	}
}

// StartReport begins periodic logging of the runtime counters until ctx is
// cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	c := Counters()

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log.WithComponent("report").WithFields(Fields{
		"messages_read":  c.MessagesRead,
		"bytes_read":     c.BytesRead,
		"depth_inserts":  c.DepthInserts,
		"trade_inserts":  c.TradeInserts,
		"duplicates":     c.Duplicates,
		"parse_failures": c.ParseFailures,
		"dead_letters":   c.DeadLetters,
		"insert_retries": c.Retries,
		"goroutines":     runtime.NumGoroutine(),
		"heap_mb":        int64(mem.HeapAlloc) / 1024 / 1024,
		"components":     componentData,
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("MessagesRead", cwtypes.StandardUnitCount, float64(c.MessagesRead)),
		datum("BytesRead", cwtypes.StandardUnitBytes, float64(c.BytesRead)),
		datum("DepthInserts", cwtypes.StandardUnitCount, float64(c.DepthInserts)),
		datum("TradeInserts", cwtypes.StandardUnitCount, float64(c.TradeInserts)),
		datum("Duplicates", cwtypes.StandardUnitCount, float64(c.Duplicates)),
		datum("ParseFailures", cwtypes.StandardUnitCount, float64(c.ParseFailures)),
		datum("DeadLetters", cwtypes.StandardUnitCount, float64(c.DeadLetters)),
		datum("InsertRetries", cwtypes.StandardUnitCount, float64(c.Retries)),
		datum("HeapMB", cwtypes.StandardUnitMegabytes, float64(mem.HeapAlloc)/1024/1024),
	}
	for name, stats := range componentData {
		dims := []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}}
		w := datum("Warnings", cwtypes.StandardUnitCount, float64(stats["warns"]))
		w.Dimensions = dims
		e := datum("Errors", cwtypes.StandardUnitCount, float64(stats["errors"]))
		e.Dimensions = dims
		data = append(data, w, e)
	}

	publishMetrics(ctx, data)
}
