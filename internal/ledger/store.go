// Package ledger implements the Evidence Ledger (spec §4.3): a
// single-writer, append-only causal event store backed by an embedded
// SQLite database in WAL mode, fronted by a durable on-disk spool so
// writes submitted while the writer is busy or briefly unavailable are
// never lost.
//
// The storage shape is grounded on the teacher's internal/db package:
// modernc.org/sqlite opened with WAL + busy_timeout, and a JSONL spool
// that is the durability source of truth, replayed into SQLite (a
// rebuildable query cache) on startup — see internal/db.OpenDatabase and
// internal/db/jsonl_append.go in the teacher repo.
package ledger

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrCausationMissing is returned when an appended event's causationId
// does not reference an existing event (spec §4.3 invariant).
var ErrCausationMissing = fmt.Errorf("causationId references no known event")

// RetentionPolicy bounds the ledger's size (spec §4.3).
type RetentionPolicy struct {
	MaxRows int
	MaxAge  time.Duration
}

// DefaultRetentionPolicy matches spec.md's defaults (2M rows, 7 days).
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxRows: 2_000_000, MaxAge: 7 * 24 * time.Hour}
}

// AppendResult reports whether an append landed in SQLite immediately or
// only in the durable spool (spec §4.3 "Write durability").
type AppendResult struct {
	Accepted  bool
	Committed bool
	Queued    bool
}

type writeRequest struct {
	event  Event
	result chan error
}

// Store is the single-writer Evidence Ledger. All mutation flows through
// one goroutine (run); the query helpers read through the same *sql.DB
// handle, and WAL mode keeps those reads from blocking the writer.
type Store struct {
	db        *sql.DB
	spoolPath string
	spoolMu   sync.Mutex
	spoolFile *os.File

	writeCh  chan writeRequest
	flushCh  chan struct{} // broadcast-by-close on each successful drain
	flushMu  sync.Mutex

	seqMu  sync.Mutex
	seqBySource map[string]int64

	retention RetentionPolicy

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Event mirrors types.Event but keeps the ledger package dependency-free
// of the types package's richer payload semantics; callers convert.
type Event struct {
	EventID       string
	CorrelationID string
	CausationID   string
	Type          string
	Source        string
	PaneID        string
	TimestampMs   int64
	Sequence      int64
	Payload       map[string]any
	Redacted      bool
}

// Open opens (creating if needed) the Evidence Ledger at dbPath with a
// durable spool at spoolPath, replays any un-applied spool tail, and
// starts the single-writer goroutine.
func Open(dbPath, spoolPath string, retention RetentionPolicy) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open evidence ledger: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := InitSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	spool, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open spool: %w", err)
	}

	s := &Store{
		db:          db,
		spoolPath:   spoolPath,
		spoolFile:   spool,
		writeCh:     make(chan writeRequest, 256),
		flushCh:     make(chan struct{}),
		seqBySource: map[string]int64{},
		retention:   retention,
		stopCh:      make(chan struct{}),
	}

	if err := s.drainSpoolOnStartup(); err != nil {
		_ = db.Close()
		_ = spool.Close()
		return nil, fmt.Errorf("replay spool: %w", err)
	}

	s.wg.Add(1)
	go s.run()
	s.wg.Add(1)
	go s.pruneLoop()

	return s, nil
}

// Close stops the writer goroutine and closes underlying files.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	_ = s.spoolFile.Close()
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for read-only query helpers in
// query.go. Writers must never call Exec directly against it; only
// Append (which funnels through the single writer) may mutate.
func (s *Store) DB() *sql.DB { return s.db }

// nextSequence assigns the next per-source monotonic sequence number
// (spec §3 Event.sequence, §5 "Per-source event sequence is monotonic").
func (s *Store) nextSequence(source string) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seqBySource[source]++
	return s.seqBySource[source]
}

// Append submits ev for durable, ordered commit. It always first appends
// to the on-disk spool (durability survives a writer crash), then hands
// off to the single writer for application to SQLite. The returned
// AppendResult distinguishes an immediate commit from a queued write the
// caller must not treat as committed until Flushed() closes.
func (s *Store) Append(ctx context.Context, ev Event) (AppendResult, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}
	if ev.Sequence == 0 {
		ev.Sequence = s.nextSequence(ev.Source)
	}

	if err := s.appendToSpool(ev); err != nil {
		return AppendResult{}, fmt.Errorf("spool append: %w", err)
	}

	req := writeRequest{event: ev, result: make(chan error, 1)}
	select {
	case s.writeCh <- req:
	default:
		// Writer backlog full: the event is durable on the spool and is
		// applied only when the next Open replays the spool. Report
		// queued, not committed.
		return AppendResult{Accepted: true, Queued: true}, nil
	}

	select {
	case err := <-req.result:
		if err == ErrCausationMissing {
			return AppendResult{}, err
		}
		if err != nil {
			return AppendResult{Accepted: true, Queued: true}, nil
		}
		return AppendResult{Accepted: true, Committed: true}, nil
	case <-ctx.Done():
		return AppendResult{Accepted: true, Queued: true}, nil
	}
}

// Flushed returns a channel that closes the next time the writer fully
// drains its channel backlog. Events reported Queued because that backlog
// was full, or because the writer returned an error, are not part of it:
// only the spool replay in Open applies them.
func (s *Store) Flushed() <-chan struct{} {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushCh
}

func (s *Store) broadcastFlush() {
	s.flushMu.Lock()
	close(s.flushCh)
	s.flushCh = make(chan struct{})
	s.flushMu.Unlock()
}

// run is the single writer goroutine: it is the only goroutine that ever
// executes INSERT against events/edges, so append order is totally
// ordered and is the source of causal truth (spec §5 "Ordering
// guarantees").
func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainPending()
			return
		case req := <-s.writeCh:
			err := s.applyEvent(req.event)
			req.result <- err
			if len(s.writeCh) == 0 {
				s.broadcastFlush()
			}
		}
	}
}

func (s *Store) drainPending() {
	for {
		select {
		case req := <-s.writeCh:
			req.result <- s.applyEvent(req.event)
		default:
			return
		}
	}
}

func (s *Store) applyEvent(ev Event) error {
	if ev.CausationID != "" {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM events WHERE event_id = ?`, ev.CausationID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrCausationMissing
		}
		if err != nil {
			return err
		}
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	redacted := 0
	if ev.Redacted {
		redacted = 1
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO events
			(event_id, correlation_id, causation_id, type, source, pane_id, timestamp_ms, sequence, payload, redacted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.CorrelationID, nullable(ev.CausationID), string(ev.Type), ev.Source,
		nullable(ev.PaneID), ev.TimestampMs, ev.Sequence, string(payload), redacted)
	if err != nil {
		return err
	}
	if ev.CausationID != "" {
		_, err = s.db.Exec(`INSERT OR IGNORE INTO edges (child_event_id, parent_event_id) VALUES (?, ?)`,
			ev.EventID, ev.CausationID)
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- durable spool -----------------------------------------------------

func (s *Store) appendToSpool(ev Event) error {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.spoolFile.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.spoolFile.Sync()
}

// drainSpoolOnStartup replays any spool entries not yet reflected in
// SQLite, then truncates the spool (spec §4.3 "On worker recovery, the
// spool is drained in order then truncated").
func (s *Store) drainSpoolOnStartup() error {
	f, err := os.Open(s.spoolPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // corrupt tail entry; skip rather than abort replay
		}
		var exists int
		row := s.db.QueryRow(`SELECT 1 FROM events WHERE event_id = ?`, ev.EventID)
		if scanErr := row.Scan(&exists); scanErr == sql.ErrNoRows {
			_ = s.applyEvent(ev) // best-effort; causation chains replay in file order
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return s.truncateSpool()
}

func (s *Store) truncateSpool() error {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	if err := s.spoolFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.spoolFile.Seek(0, 0)
	return err
}

// pruneLoop periodically enforces the retention policy in the
// background, never breaking referenced causation chains (spec §4.3).
func (s *Store) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Store) prune() {
	if s.retention.MaxAge > 0 {
		cutoff := time.Now().Add(-s.retention.MaxAge).UnixMilli()
		s.pruneOlderThan(cutoff)
	}
	if s.retention.MaxRows > 0 {
		s.pruneOverCap(s.retention.MaxRows)
	}
}

// pruneOlderThan deletes events older than cutoffMs that are not
// referenced as a parent in edges (i.e. not a causation ancestor of a
// still-live event).
func (s *Store) pruneOlderThan(cutoffMs int64) {
	_, _ = s.db.Exec(`
		DELETE FROM events
		WHERE timestamp_ms < ?
		  AND event_id NOT IN (SELECT parent_event_id FROM edges)
	`, cutoffMs)
}

func (s *Store) pruneOverCap(maxRows int) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil || count <= maxRows {
		return
	}
	excess := count - maxRows
	_, _ = s.db.Exec(`
		DELETE FROM events WHERE event_id IN (
			SELECT event_id FROM events
			WHERE event_id NOT IN (SELECT parent_event_id FROM edges)
			ORDER BY timestamp_ms ASC
			LIMIT ?
		)
	`, excess)
}
