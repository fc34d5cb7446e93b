package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bitmexflow/config"
	"bitmexflow/logger"
)

// objectPutter is the part of the S3 client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// memory file writer for the parquet encoder
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

const (
	defaultUploadTimeout = 30 * time.Second
	flushSignalBuffer    = 64
)

type tableBuffer struct {
	columns []string
	rows    [][]interface{}
}

// ArchiveSink buffers rows per table and uploads them to S3 as parquet
// objects, either every flush interval or once a table reaches the batch size.
// Uploads run on the flush loop only; Insert never waits on S3. Rows of a
// batch that cannot be encoded or uploaded go to the Rejecter.
type ArchiveSink struct {
	cfg      appconfig.S3Config
	s3Client objectPutter
	reject   Rejecter
	buffer   map[string]*tableBuffer
	mu       sync.Mutex
	ctx      context.Context
	stop     chan struct{}
	flushCh  chan string
	wg       *sync.WaitGroup
	running  bool
	now      func() time.Time
	log      *logger.Log
}

// NewArchiveSink initializes an archive sink with AWS credentials.
func NewArchiveSink(ctx context.Context, cfg appconfig.S3Config, reject Rejecter) (*ArchiveSink, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newArchiveSink(cfg, s3Client, reject), nil
}

func newArchiveSink(cfg appconfig.S3Config, client objectPutter, reject Rejecter) *ArchiveSink {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	return &ArchiveSink{
		cfg:      cfg,
		s3Client: client,
		reject:   reject,
		buffer:   make(map[string]*tableBuffer),
		flushCh:  make(chan string, flushSignalBuffer),
		wg:       &sync.WaitGroup{},
		now:      time.Now,
		log:      logger.GetLogger(),
	}
}

// Start launches the flush loop.
func (a *ArchiveSink) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive sink already running")
	}
	a.running = true
	a.ctx = ctx
	a.stop = make(chan struct{})
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushLoop()

	a.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":         a.cfg.Bucket,
		"prefix":         a.cfg.Prefix,
		"flush_interval": a.cfg.FlushInterval.String(),
	}).Info("archive sink started")
	return nil
}

// Stop ends the flush loop and uploads whatever is still buffered.
func (a *ArchiveSink) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stop)
	a.mu.Unlock()

	a.wg.Wait()
	a.Flush()
	a.log.WithComponent("archive_writer").Info("archive sink stopped")
}

// Insert buffers one row and, once the table reaches the batch size, asks the
// flush loop to upload it.
func (a *ArchiveSink) Insert(_ context.Context, table string, columns []string, values []interface{}) error {
	if len(columns) != len(values) {
		return ErrColumnMismatch
	}

	a.mu.Lock()
	buf, ok := a.buffer[table]
	if !ok {
		buf = &tableBuffer{columns: append([]string(nil), columns...)}
		a.buffer[table] = buf
	}
	if !sameColumns(buf.columns, columns) {
		a.mu.Unlock()
		return fmt.Errorf("archive %s: column set changed", table)
	}
	buf.rows = append(buf.rows, append([]interface{}(nil), values...))
	full := a.cfg.BatchSize > 0 && len(buf.rows) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- table:
		default:
			// loop is behind; the table is picked up by a later signal or tick
		}
	}
	return nil
}

func (a *ArchiveSink) flushLoop() {
	defer a.wg.Done()
	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.stop:
			return
		case table := <-a.flushCh:
			a.flushTable(table)
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush uploads every buffered table.
func (a *ArchiveSink) Flush() {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string]*tableBuffer)
	a.mu.Unlock()

	tables := make([]string, 0, len(buffers))
	for t := range buffers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if buf := buffers[t]; len(buf.rows) > 0 {
			a.writeBatch(t, buf)
		}
	}
}

func (a *ArchiveSink) flushTable(table string) {
	a.mu.Lock()
	buf, ok := a.buffer[table]
	if !ok || len(buf.rows) == 0 {
		a.mu.Unlock()
		return
	}
	delete(a.buffer, table)
	a.mu.Unlock()

	a.writeBatch(table, buf)
}

func (a *ArchiveSink) writeBatch(table string, buf *tableBuffer) {
	log := a.log.WithComponent("archive_writer").WithFields(logger.Fields{"table": table})
	start := time.Now()

	data, err := createParquet(buf)
	if err != nil {
		log.WithError(err).Error("create parquet failed")
		a.rejectBatch(table, buf, err)
		return
	}
	key := a.s3Key(table)
	if err := a.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": key, "records": len(buf.rows)}).Error("upload to s3 failed")
		a.rejectBatch(table, buf, err)
		return
	}

	duration := time.Since(start)
	fields := logger.Fields{
		"s3_key":      key,
		"records":     len(buf.rows),
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	log.WithFields(fields).Info("archive batch uploaded")
}

func (a *ArchiveSink) rejectBatch(table string, buf *tableBuffer, cause error) {
	if a.reject == nil {
		return
	}
	for _, values := range buf.rows {
		if err := a.reject.Reject(table, buf.columns, values, ReasonArchive, cause); err != nil {
			a.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{"table": table}).Error("dead letter failed")
			return
		}
	}
}

func (a *ArchiveSink) upload(key string, data []byte) error {
	a.mu.Lock()
	parent := a.ctx
	a.mu.Unlock()

	base := context.Background()
	if parent != nil {
		base = context.WithoutCancel(parent)
	}
	ctx, cancel := context.WithTimeout(base, a.cfg.UploadTimeout)
	defer cancel()

	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// s3Key renders <prefix>/table=<t>/date=YYYY-MM-DD/<uuid>.parquet.
func (a *ArchiveSink) s3Key(table string) string {
	date := a.now().UTC().Format("2006-01-02")
	return path.Join(
		strings.Trim(a.cfg.Prefix, "/"),
		"table="+table,
		"date="+date,
		uuid.NewString()+".parquet",
	)
}

// parquetSchema derives a JSON schema from the column names and the Go types
// of the first row.
func parquetSchema(columns []string, sample []interface{}) (string, error) {
	type field struct {
		Tag string `json:"Tag"`
	}
	schema := struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}

	for i, c := range columns {
		var typ string
		switch sample[i].(type) {
		case uint64, int64, int, int32, uint32:
			typ = "type=INT64"
		case float64, float32:
			typ = "type=DOUBLE"
		case string:
			typ = "type=BYTE_ARRAY, convertedtype=UTF8"
		case bool:
			typ = "type=BOOLEAN"
		default:
			return "", fmt.Errorf("column %s: unsupported type %T", c, sample[i])
		}
		schema.Fields = append(schema.Fields, field{Tag: fmt.Sprintf("name=%s, %s, repetitiontype=REQUIRED", c, typ)})
	}
	out, err := json.Marshal(schema)
	return string(out), err
}

func createParquet(buf *tableBuffer) ([]byte, error) {
	schema, err := parquetSchema(buf.columns, buf.rows[0])
	if err != nil {
		return nil, err
	}
	mw := newMemFileWriter()
	pw, err := writer.NewJSONWriter(schema, mw, 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, values := range buf.rows {
		rec, err := rowMap(buf.columns, values)
		if err != nil {
			return nil, err
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if err := pw.Write(string(line)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
