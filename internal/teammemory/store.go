package teammemory

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agentfleet/fleet/internal/ledger"
)

// mutation is a spooled, idempotency-keyed write request. Every public
// write operation in this package (CreateClaim, RecordConsensus, ...)
// funnels through Store.mutate so that the at-most-once-replay and
// single-writer guarantees of spec §4.4.1 hold uniformly.
type mutation struct {
	Op             string          `json:"op"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Args           json.RawMessage `json:"args"`
}

type mutateRequest struct {
	m      mutation
	apply  func(*sql.Tx) error
	result chan error
}

// Store is the single-writer Team Memory database.
type Store struct {
	db     *sql.DB
	ledger *ledger.Store // for evidenceEventRef liveness checks (spec §4.4.2 addEvidence)

	spoolPath string
	spoolMu   sync.Mutex
	spoolFile *os.File

	writeCh chan mutateRequest
	stopCh  chan struct{}
	wg      sync.WaitGroup

	aliasMu sync.RWMutex
	aliases map[string]string
}

// Open opens (creating if needed) the Team Memory database at dbPath with
// a durable spool at spoolPath. evidenceLedger may be nil in tests that
// don't exercise addEvidence's liveness check.
func Open(dbPath, spoolPath string, evidenceLedger *ledger.Store) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open team memory: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := InitSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	spool, err := os.OpenFile(spoolPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		ledger:    evidenceLedger,
		spoolPath: spoolPath,
		spoolFile: spool,
		writeCh:   make(chan mutateRequest, 256),
		stopCh:    make(chan struct{}),
		aliases:   map[string]string{},
	}
	if err := s.loadAliases(); err != nil {
		_ = db.Close()
		_ = spool.Close()
		return nil, err
	}
	if err := s.drainSpoolOnStartup(); err != nil {
		_ = db.Close()
		_ = spool.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Close stops the writer and closes resources.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	_ = s.spoolFile.Close()
	return s.db.Close()
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *sql.DB { return s.db }

// SetAlias registers (raw identifier -> canonical role) durably, used at
// startup to seed the alias table from config (spec §4.4.1 "Agent
// identifiers are normalized through an alias table before any write").
func (s *Store) SetAlias(raw, canonical string) error {
	_, err := s.db.Exec(`INSERT INTO agent_aliases (raw_identifier, canonical_role) VALUES (?, ?)
		ON CONFLICT(raw_identifier) DO UPDATE SET canonical_role=excluded.canonical_role`, raw, canonical)
	if err != nil {
		return err
	}
	s.aliasMu.Lock()
	s.aliases[raw] = canonical
	s.aliasMu.Unlock()
	return nil
}

func (s *Store) loadAliases() error {
	rows, err := s.db.Query(`SELECT raw_identifier, canonical_role FROM agent_aliases`)
	if err != nil {
		return err
	}
	defer rows.Close()
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()
	for rows.Next() {
		var raw, canon string
		if err := rows.Scan(&raw, &canon); err != nil {
			return err
		}
		s.aliases[raw] = canon
	}
	return rows.Err()
}

// Canonical resolves a raw agent identifier to its canonical role.
func (s *Store) Canonical(raw string) string {
	s.aliasMu.RLock()
	defer s.aliasMu.RUnlock()
	if canon, ok := s.aliases[raw]; ok {
		return canon
	}
	return raw
}

// mutate spools a mutation with its idempotency key, applies it through
// the single writer, and returns apply's error. It does not check the key
// itself: CreateClaim looks its key up before calling mutate, and other
// ops rely on their own SQL (INSERT OR IGNORE, conditional UPDATE).
func (s *Store) mutate(op, idempotencyKey string, args any, apply func(*sql.Tx) error) error {
	argData, err := json.Marshal(args)
	if err != nil {
		return err
	}
	m := mutation{Op: op, IdempotencyKey: idempotencyKey, Args: argData}
	if err := s.appendToSpool(m); err != nil {
		return fmt.Errorf("spool append: %w", err)
	}

	req := mutateRequest{m: m, apply: apply, result: make(chan error, 1)}
	s.writeCh <- req
	return <-req.result
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainPending()
			return
		case req := <-s.writeCh:
			req.result <- s.applyInTx(req.apply)
		}
	}
}

func (s *Store) drainPending() {
	for {
		select {
		case req := <-s.writeCh:
			req.result <- s.applyInTx(req.apply)
		default:
			return
		}
	}
}

func (s *Store) applyInTx(apply func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := apply(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) appendToSpool(m mutation) error {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	line, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := s.spoolFile.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.spoolFile.Sync()
}

// drainSpoolOnStartup replays any mutations durably recorded but not
// reflected in the DB. Since every mutate() call's `apply` closure is
// itself idempotent (each op checks its own idempotency key/unique
// constraint before writing), at-most-once-effective replay holds even
// though the spool may contain an entry whose commit already landed
// before a crash.
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
		var m mutation
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			continue
		}
		_ = s.replay(m)
	}
	return scanner.Err()
}
