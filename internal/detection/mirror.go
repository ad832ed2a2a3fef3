package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/db"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const sqliteDetectionsSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	agent_id TEXT NOT NULL,
	agent_label TEXT DEFAULT '',
	text TEXT DEFAULT '',
	is_error INTEGER DEFAULT 0,
	error_kind TEXT DEFAULT '',
	created_at DATETIME NOT NULL,
	processing_time_ms INTEGER DEFAULT 0,
	image_ref TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_detections_seq ON detections(seq);`

const postgresDetectionsSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	agent_id TEXT NOT NULL,
	agent_label TEXT DEFAULT '',
	text TEXT DEFAULT '',
	is_error BOOLEAN DEFAULT FALSE,
	error_kind TEXT DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	processing_time_ms BIGINT DEFAULT 0,
	image_ref TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_detections_seq ON detections(seq);`

const mirrorQueueSize = 256

type mirrorOpKind int

const (
	opInsert mirrorOpKind = iota
	opDelete
	opClear
)

type mirrorOp struct {
	kind      mirrorOpKind
	detection v1.Detection
	evictedID string
}

// SQLMirror mirrors a Log into the detections table. Writes are applied in
// order by a background worker so hooks never block on the database.
type SQLMirror struct {
	db       *sqlx.DB
	capacity int
	logger   *logger.Logger

	ops     chan mirrorOp
	seq     int64
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewSQLMirror creates the mirror and ensures its schema exists.
func NewSQLMirror(conn *sqlx.DB, capacity int, log *logger.Logger) (*SQLMirror, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &SQLMirror{
		db:       conn,
		capacity: capacity,
		logger:   log.WithFields(zap.String("component", "detection-mirror")),
		ops:      make(chan mirrorOp, mirrorQueueSize),
		stopCh:   make(chan struct{}),
	}

	schema := sqliteDetectionsSchema
	if db.IsPostgres(conn) {
		schema = postgresDetectionsSchema
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize detections schema: %w", err)
	}
	if err := conn.Get(&m.seq, `SELECT COALESCE(MAX(seq), 0) FROM detections`); err != nil {
		return nil, fmt.Errorf("failed to read detection sequence: %w", err)
	}
	return m, nil
}

// Restore trims the table to capacity and loads its rows into l, oldest first.
func (m *SQLMirror) Restore(ctx context.Context, l *Log) (int, error) {
	if err := m.trim(ctx); err != nil {
		return 0, err
	}

	var rows []v1.Detection
	err := m.db.SelectContext(ctx, &rows, m.db.Rebind(`
		SELECT id, agent_id, agent_label, text, is_error, error_kind, created_at, processing_time_ms, image_ref
		FROM detections ORDER BY seq ASC LIMIT ?`), l.Capacity())
	if err != nil {
		return 0, fmt.Errorf("failed to load detections: %w", err)
	}
	for i := range rows {
		rows[i].CreatedAt = rows[i].CreatedAt.UTC()
	}
	l.Load(rows)
	m.logger.Info("Restored detections", zap.Int("count", len(rows)))
	return len(rows), nil
}

// Attach registers the mirror's hooks on l.
func (m *SQLMirror) Attach(l *Log) {
	l.OnAppend(func(d v1.Detection, evicted *v1.Detection) {
		op := mirrorOp{kind: opInsert, detection: d}
		if evicted != nil {
			op.evictedID = evicted.ID
		}
		m.enqueue(op)
	})
	l.OnRemove(func(d v1.Detection) {
		m.enqueue(mirrorOp{kind: opDelete, detection: d})
	})
	l.OnClear(func() {
		m.enqueue(mirrorOp{kind: opClear})
	})
}

func (m *SQLMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		m.logger.Warn("Detection mirror queue full, dropping write", zap.String("detection_id", op.detection.ID))
	}
}

// Start runs the write worker until ctx is done or Stop is called.
func (m *SQLMirror) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case op := <-m.ops:
				m.apply(ctx, op)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				m.drain(ctx)
				return
			}
		}
	}()
}

// Stop flushes pending writes and stops the worker.
func (m *SQLMirror) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *SQLMirror) drain(ctx context.Context) {
	for {
		select {
		case op := <-m.ops:
			m.apply(ctx, op)
		default:
			return
		}
	}
}

func (m *SQLMirror) apply(ctx context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	switch op.kind {
	case opInsert:
		err = m.insert(ctx, op.detection, op.evictedID)
	case opDelete:
		_, err = m.db.ExecContext(ctx, m.db.Rebind(`DELETE FROM detections WHERE id = ?`), op.detection.ID)
	case opClear:
		_, err = m.db.ExecContext(ctx, `DELETE FROM detections`)
	}
	if err != nil {
		m.logger.Error("Failed to mirror detection", zap.String("detection_id", op.detection.ID), zap.Error(err))
	}
}

func (m *SQLMirror) insert(ctx context.Context, d v1.Detection, evictedID string) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	m.seq++
	var isError interface{} = d.IsError
	if !db.IsPostgres(m.db) {
		isError = db.BoolToInt(d.IsError)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO detections (id, seq, agent_id, agent_label, text, is_error, error_kind, created_at, processing_time_ms, image_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, m.seq, d.AgentID, d.AgentLabel, d.Text, isError, d.ErrorKind, d.CreatedAt.UTC(), d.ProcessingTimeMs, d.ImageRef); err != nil {
		return err
	}
	if evictedID != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM detections WHERE id = ?`), evictedID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *SQLMirror) trim(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, m.db.Rebind(`
		DELETE FROM detections WHERE id NOT IN (
			SELECT id FROM detections ORDER BY seq DESC LIMIT ?
		)`), m.capacity)
	if err != nil {
		return fmt.Errorf("failed to trim detections: %w", err)
	}
	return nil
}
