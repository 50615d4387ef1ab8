// Package zipkindb is a sql-backed span store. Spans land in the
// zipkin_spans table (timestamps and durations in epoch microseconds) with
// their annotations in zipkin_annotations. Trace queries arrive as a
// query.QueryRequest whose window is in milliseconds; the millisecond to
// microsecond conversion happens here and nowhere else.
package zipkindb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhangweixin/zipkin/pkg/model"
	"github.com/zhangweixin/zipkin/pkg/query"
	"github.com/zhangweixin/zipkin/pkg/util/log"
)

// ErrTraceNotFound is returned by GetTrace when no span carries the id.
var ErrTraceNotFound = errors.New("trace not found")

var (
	metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zipkindb",
		Name:      "query_duration_seconds",
		Help:      "Records the amount of time to execute a trace query.",
		Buckets:   prometheus.ExponentialBuckets(.005, 2, 10),
	})
	metricQueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zipkindb",
		Name:      "query_errors_total",
		Help:      "Total number of trace queries that failed.",
	})
	metricSpansWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zipkindb",
		Name:      "spans_written_total",
		Help:      "Total number of spans written to the store.",
	})
)

// annotation type discriminators in zipkin_annotations, matching the values
// used by existing collectors.
const (
	annotationTypeEvent  = -1 // timestamped annotation
	annotationTypeString = 6  // string binary annotation
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS zipkin_spans (
		trace_id BIGINT NOT NULL,
		id BIGINT NOT NULL,
		name VARCHAR NOT NULL,
		parent_id BIGINT,
		debug BIT,
		start_ts BIGINT,
		duration BIGINT,
		PRIMARY KEY (trace_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS zipkin_annotations (
		trace_id BIGINT NOT NULL,
		span_id BIGINT NOT NULL,
		a_key VARCHAR NOT NULL,
		a_value VARCHAR,
		a_type INT NOT NULL,
		a_timestamp BIGINT,
		service_name VARCHAR
	)`,
	`CREATE INDEX IF NOT EXISTS idx_zipkin_spans_start_ts ON zipkin_spans(start_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_zipkin_spans_name ON zipkin_spans(name)`,
	`CREATE INDEX IF NOT EXISTS idx_zipkin_annotations_span ON zipkin_annotations(trace_id, span_id)`,
	`CREATE INDEX IF NOT EXISTS idx_zipkin_annotations_service ON zipkin_annotations(service_name)`,
}

// Store reads and writes spans through a sqlite database.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger kitlog.Logger
}

// New opens the database at cfg.DataPath, creating it and its parent
// directory if necessary, and applies migrations. A nil logger falls back to
// the shared logger.
func New(cfg Config, logger kitlog.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Logger
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DataPath), 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create span store directory")
	}

	db, err := sql.Open("sqlite3", cfg.DataPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open span store")
	}

	if err := db.Ping(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to ping span store")
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return nil, pkgerrors.Wrap(err, "migration failed")
		}
	}

	level.Info(logger).Log("msg", "opened span store", "path", cfg.DataPath)

	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteSpan persists a span and its annotations, replacing any prior span
// with the same trace and span id. Names and service names are lower-cased on
// the way in so queries, which are lower-cased by construction, compare
// exactly.
func (s *Store) WriteSpan(ctx context.Context, span model.Span) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin span write")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO zipkin_spans (trace_id, id, name, parent_id, debug, start_ts, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		span.TraceID,
		span.ID,
		strings.ToLower(span.Name),
		nullableInt(span.ParentID),
		span.Debug,
		nullableInt(span.Timestamp),
		nullableInt(span.Duration),
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to write span")
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM zipkin_annotations WHERE trace_id = ? AND span_id = ?`,
		span.TraceID, span.ID)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to clear span annotations")
	}

	for _, a := range span.Annotations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO zipkin_annotations (trace_id, span_id, a_key, a_value, a_type, a_timestamp, service_name)
			 VALUES (?, ?, ?, NULL, ?, ?, ?)`,
			span.TraceID, span.ID, a.Value, annotationTypeEvent, a.Timestamp, strings.ToLower(a.ServiceName))
		if err != nil {
			return pkgerrors.Wrap(err, "failed to write annotation")
		}
	}

	for _, b := range span.BinaryAnnotations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO zipkin_annotations (trace_id, span_id, a_key, a_value, a_type, a_timestamp, service_name)
			 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
			span.TraceID, span.ID, b.Key, b.Value, annotationTypeString, strings.ToLower(b.ServiceName))
		if err != nil {
			return pkgerrors.Wrap(err, "failed to write binary annotation")
		}
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "failed to commit span write")
	}

	metricSpansWritten.Inc()
	return nil
}

// FindTraces returns up to req.Limit() traces matching every filter dimension
// of the request, most recent first. The window [endTs-lookback, endTs] is
// converted from milliseconds to the microsecond grain of start_ts before
// comparison. Span name and duration bounds are pushed into sql; the service
// and annotation conjunctions are applied in memory per candidate trace.
// maxDuration is ignored unless minDuration is also set.
func (s *Store) FindTraces(ctx context.Context, req query.QueryRequest) ([]model.Trace, error) {
	start := time.Now()
	defer func() { metricQueryDuration.Observe(time.Since(start).Seconds()) }()

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	level.Debug(s.logger).Log("msg", "finding traces", "query", req.String())

	endUs := req.EndTs() * 1000
	startUs := (req.EndTs() - req.Lookback()) * 1000

	q := `SELECT trace_id FROM zipkin_spans WHERE start_ts >= ? AND start_ts <= ?`
	args := []interface{}{startUs, endUs}

	if spanName, ok := req.SpanName(); ok {
		q += ` AND name = ?`
		args = append(args, spanName)
	}
	if min, ok := req.MinDuration(); ok {
		q += ` AND duration >= ?`
		args = append(args, int64(min))
		if max, ok := req.MaxDuration(); ok {
			q += ` AND duration <= ?`
			args = append(args, int64(max))
		}
	}
	q += ` GROUP BY trace_id ORDER BY MAX(start_ts) DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		metricQueryErrors.Inc()
		return nil, pkgerrors.Wrap(err, "failed to query candidate traces")
	}
	defer rows.Close()

	var candidates []int64
	for rows.Next() {
		var traceID int64
		if err := rows.Scan(&traceID); err != nil {
			metricQueryErrors.Inc()
			return nil, pkgerrors.Wrap(err, "failed to scan candidate trace id")
		}
		candidates = append(candidates, traceID)
	}
	if err := rows.Err(); err != nil {
		metricQueryErrors.Inc()
		return nil, pkgerrors.Wrap(err, "failed to iterate candidate traces")
	}

	var traces []model.Trace
	for _, traceID := range candidates {
		if len(traces) >= req.Limit() {
			break
		}
		trace, err := s.loadTrace(ctx, traceID)
		if err != nil {
			metricQueryErrors.Inc()
			return nil, err
		}
		if matchesTrace(req, trace) {
			traces = append(traces, trace)
		}
	}

	level.Debug(s.logger).Log("msg", "found traces", "candidates", len(candidates), "matched", len(traces))

	return traces, nil
}

// GetTrace fetches a single trace by id, spans sorted by timestamp. Returns
// ErrTraceNotFound if no span carries the id.
func (s *Store) GetTrace(ctx context.Context, traceID int64) (model.Trace, error) {
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	trace, err := s.loadTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(trace) == 0 {
		return nil, ErrTraceNotFound
	}
	return trace, nil
}

func (s *Store) loadTrace(ctx context.Context, traceID int64) (model.Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parent_id, debug, start_ts, duration FROM zipkin_spans WHERE trace_id = ?`,
		traceID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load spans")
	}
	defer rows.Close()

	spansByID := map[int64]*model.Span{}
	var trace model.Trace
	for rows.Next() {
		var (
			span     model.Span
			parentID sql.NullInt64
			debug    sql.NullBool
			startTs  sql.NullInt64
			duration sql.NullInt64
		)
		if err := rows.Scan(&span.ID, &span.Name, &parentID, &debug, &startTs, &duration); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan span")
		}
		span.TraceID = traceID
		if parentID.Valid {
			v := parentID.Int64
			span.ParentID = &v
		}
		span.Debug = debug.Valid && debug.Bool
		if startTs.Valid {
			v := startTs.Int64
			span.Timestamp = &v
		}
		if duration.Valid {
			v := duration.Int64
			span.Duration = &v
		}
		trace = append(trace, span)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to iterate spans")
	}
	for i := range trace {
		spansByID[trace[i].ID] = &trace[i]
	}

	annotationRows, err := s.db.QueryContext(ctx,
		`SELECT span_id, a_key, a_value, a_type, a_timestamp, service_name FROM zipkin_annotations WHERE trace_id = ?`,
		traceID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load annotations")
	}
	defer annotationRows.Close()

	for annotationRows.Next() {
		var (
			spanID      int64
			key         string
			value       sql.NullString
			aType       int
			timestamp   sql.NullInt64
			serviceName sql.NullString
		)
		if err := annotationRows.Scan(&spanID, &key, &value, &aType, &timestamp, &serviceName); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan annotation")
		}
		span, ok := spansByID[spanID]
		if !ok {
			// orphaned annotation row, skip
			continue
		}
		switch aType {
		case annotationTypeEvent:
			span.Annotations = append(span.Annotations, model.Annotation{
				Timestamp:   timestamp.Int64,
				Value:       key,
				ServiceName: serviceName.String,
			})
		case annotationTypeString:
			span.BinaryAnnotations = append(span.BinaryAnnotations, model.BinaryAnnotation{
				Key:         key,
				Value:       value.String,
				ServiceName: serviceName.String,
			})
		}
	}
	if err := annotationRows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to iterate annotations")
	}

	model.SortTrace(trace)
	return trace, nil
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
