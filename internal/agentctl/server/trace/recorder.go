// Package trace implements the Trace Recorder (spec §4.G): an append-only,
// per-session event log that the history replay endpoint
// (GET /api/sessions/{id}/history) reads back from. Message and thought
// chunks are buffered in memory and flushed to storage at a size boundary
// or on turn completion rather than one row per chunk, so a verbose
// streaming response doesn't turn into thousands of tiny writes.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/jmoiron/sqlx"

	"github.com/routa/acp-broker/internal/agentctl/server/normalize"
	"github.com/routa/acp-broker/internal/common/logger"
	"github.com/routa/acp-broker/internal/common/sqlite"
	"go.uber.org/zap"
)

// flushThreshold is the buffered-chunk size (characters) at which a
// message/thought buffer is flushed as its own trace row, independent of
// turn_complete (spec §4.G).
const flushThreshold = 100

// Recorder persists one append-only trace per session. Safe for concurrent
// use by multiple sessions; per-session buffering is itself serialized.
type Recorder struct {
	logger *logger.Logger
	db     *sqlx.DB

	mu      sync.Mutex
	buffers map[string]*chunkBuffer
}

type chunkBuffer struct {
	kind string // normalize.KindAgentMessageChunk or KindAgentThoughtChunk
	role string
	text string
}

// Open opens (creating if necessary) the sqlite-backed trace store at
// dbPath and ensures its schema exists.
func Open(dbPath string, log *logger.Logger) (*Recorder, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("trace: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &Recorder{
		logger:  log.WithFields(zap.String("component", "trace-recorder")),
		db:      db,
		buffers: make(map[string]*chunkBuffer),
	}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_trace_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			session_update TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_trace_events_session ON session_trace_events(session_id, seq);

		CREATE TABLE IF NOT EXISTS session_trace_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			modified_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_trace_files_session ON session_trace_files(session_id);
	`)
	if err != nil {
		return fmt.Errorf("trace: initializing schema: %w", err)
	}

	// provider was added after the initial schema shipped; EnsureColumn keeps
	// Open idempotent against trace databases created by older broker builds.
	if err := sqlite.EnsureColumn(r.db.DB, "session_trace_events", "provider", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("trace: migrating provider column: %w", err)
	}
	return nil
}

// Close flushes every buffered session and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	sessionIDs := make([]string, 0, len(r.buffers))
	for id := range r.buffers {
		sessionIDs = append(sessionIDs, id)
	}
	r.mu.Unlock()

	for _, id := range sessionIDs {
		r.FlushSession(id)
	}
	return r.db.Close()
}

// Record appends one canonical update to sessionID's trace, buffering
// message/thought chunks instead of writing them individually (spec §4.G).
// A write failure is logged and swallowed: tracing must never interrupt the
// live session it is observing.
func (r *Recorder) Record(sessionID string, update normalize.Update) {
	switch update.SessionUpdate {
	case normalize.KindAgentMessageChunk, normalize.KindAgentThoughtChunk:
		r.bufferChunk(sessionID, update)
	case normalize.KindToolCallUpdate:
		r.recordToolResultIfTerminal(sessionID, update)
		r.write(sessionID, update)
	case normalize.KindTurnComplete, normalize.KindTaskCompletion:
		r.FlushSession(sessionID)
		r.write(sessionID, update)
	default:
		r.write(sessionID, update)
	}
}

func (r *Recorder) bufferChunk(sessionID string, update normalize.Update) {
	r.mu.Lock()
	buf, ok := r.buffers[sessionID]
	if !ok || buf.kind != update.SessionUpdate {
		// A thought chunk interrupting a buffered message run (or vice
		// versa) flushes what's pending before starting a new buffer, so
		// rows never mix the two kinds.
		if ok {
			r.flushBufferLocked(sessionID, buf)
		}
		buf = &chunkBuffer{kind: update.SessionUpdate, role: update.Role}
		r.buffers[sessionID] = buf
	}
	buf.text += update.Text
	flush := len(buf.text) >= flushThreshold
	r.mu.Unlock()

	if flush {
		r.FlushSession(sessionID)
	}
}

// FlushSession writes sessionID's pending chunk buffer, if any, as one
// trace row and clears it.
func (r *Recorder) FlushSession(sessionID string) {
	r.mu.Lock()
	buf, ok := r.buffers[sessionID]
	if ok {
		delete(r.buffers, sessionID)
	}
	r.mu.Unlock()

	if !ok || buf.text == "" {
		return
	}
	r.flushBufferLocked(sessionID, buf)
}

// flushBufferLocked writes buf as a trace row. It does not touch r.mu;
// callers must have already removed buf from r.buffers.
func (r *Recorder) flushBufferLocked(sessionID string, buf *chunkBuffer) {
	r.write(sessionID, normalize.Update{SessionUpdate: buf.kind, SessionID: sessionID, Text: buf.text, Role: buf.role})
}

// recordToolResultIfTerminal persists the set of modified files once a
// modify_file tool call reaches a terminal status, so file-touch history
// survives independently of the full trace payload (spec §4.G).
func (r *Recorder) recordToolResultIfTerminal(sessionID string, update normalize.Update) {
	if update.Status != "completed" && update.Status != "error" {
		return
	}
	if update.Content == nil || update.Content.ModifyFile == nil {
		return
	}
	_, err := r.db.Exec(
		`INSERT INTO session_trace_files (session_id, file_path, tool_call_id, modified_at) VALUES (?, ?, ?, ?)`,
		sessionID, update.Content.ModifyFile.FilePath, update.ToolCallID, time.Now(),
	)
	if err != nil {
		r.logger.Warn("failed to record file modification", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (r *Recorder) write(sessionID string, update normalize.Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		r.logger.Warn("failed to marshal trace update", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	var seq int
	err = r.db.Get(&seq, `SELECT COALESCE(MAX(seq), 0) + 1 FROM session_trace_events WHERE session_id = ?`, sessionID)
	if err != nil {
		r.logger.Warn("failed to allocate trace sequence", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	_, err = r.db.Exec(
		`INSERT INTO session_trace_events (session_id, seq, session_update, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, update.SessionUpdate, string(payload), time.Now(),
	)
	if err != nil {
		r.logger.Warn("failed to write trace event", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// History replays every recorded update for sessionID in order, for the
// GET /api/sessions/{id}/history endpoint.
func (r *Recorder) History(ctx context.Context, sessionID string) ([]normalize.Update, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT payload FROM session_trace_events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("trace: querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []normalize.Update
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("trace: scanning history row: %w", err)
		}
		var update normalize.Update
		if err := json.Unmarshal([]byte(payload), &update); err != nil {
			return nil, fmt.Errorf("trace: decoding history row: %w", err)
		}
		out = append(out, update)
	}
	return out, rows.Err()
}

// ModifiedFiles returns every distinct file path touched by sessionID, in
// first-touched order.
func (r *Recorder) ModifiedFiles(ctx context.Context, sessionID string) ([]string, error) {
	var paths []string
	err := r.db.SelectContext(ctx, &paths,
		`SELECT DISTINCT file_path FROM session_trace_files WHERE session_id = ? ORDER BY MIN(modified_at)`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("trace: querying modified files: %w", err)
	}
	return paths, nil
}
