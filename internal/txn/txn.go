// Package txn implements Rhizo's TransactionManager: cross-table ACID
// transactions over the FileCatalog and BranchManager, with snapshot
// isolation, three-layer conflict detection, and a write-ahead transaction
// log that survives crashes.
//
// Every transaction is mirrored to disk at transactions/epoch_<E>/tx_<id>.json
// via write-temp-then-rename, the same atomic idiom chunkstore, catalog, and
// branch already use. A transaction's on-disk record is written Pending at
// Begin and rewritten in place at Commit/Abort; a record still Pending after
// a crash means the process died before flipping the marker, so recovery can
// always tell "never finished" apart from "finished and this is the proof".
//
// Grounded on mjm918-tur's pkg/mvcc (manager.go's atomic txID/timestamp
// counters under a single mutex, transaction.go's state machine) generalized
// from single-node in-memory MVCC to a persisted, multi-table manager.
package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rhizo/internal/branch"
	"rhizo/internal/catalog"
	"rhizo/internal/config"
	"rhizo/internal/errs"
	"rhizo/internal/hash"
	"rhizo/internal/logging"

	"go.uber.org/zap"
)

// Status is a transaction's lifecycle state.
type Status int

const (
	Pending Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "pending":
		*s = Pending
	case "committed":
		*s = Committed
	case "aborted":
		*s = Aborted
	default:
		return fmt.Errorf("txn: unknown status %q", str)
	}
	return nil
}

// Write is one table's buffered write within a transaction: the new version
// number it intends to commit and the chunk hashes that version is made of.
type Write struct {
	Table       string           `json:"table"`
	NewVersion  uint64           `json:"new_version"`
	ChunkHashes []hash.ChunkHash `json:"chunk_hashes"`
	SchemaHash  *string          `json:"schema_hash,omitempty"`
}

// Record is the on-disk, JSON-serialized form of a transaction. It is the
// durable marker recovery reasons about.
type Record struct {
	TxID         uint64            `json:"tx_id"`
	EpochID      uint64            `json:"epoch_id"`
	Branch       string            `json:"branch"`
	Status       Status            `json:"status"`
	StartedAt    int64             `json:"started_at"`
	CommittedAt  *int64            `json:"committed_at,omitempty"`
	ReadSnapshot map[string]uint64 `json:"read_snapshot"`
	Writes       []Write           `json:"writes"`
	Reason       string            `json:"reason,omitempty"`
}

// transaction is the in-memory handle returned by Begin. All reads and
// writes are buffered here until Commit or Abort.
type transaction struct {
	mu sync.Mutex

	id           uint64
	epochID      uint64
	branch       string
	startedAt    int64
	beginSeq     uint64
	readSnapshot map[string]uint64
	writes       map[string]Write
	status       Status
}

// Manager is the TransactionManager: it owns the transaction log directory
// and coordinates commit against a Catalog and a branch Manager.
type Manager struct {
	root     string
	cat      *catalog.Catalog
	branches *branch.Manager
	cfg      config.Config
	log      *zap.Logger

	mu     sync.RWMutex
	active map[uint64]*transaction

	nextTxID uint64 // atomic
	seq      uint64 // atomic, global event clock for layer-1 ordering

	epochMu      sync.Mutex
	currentEpoch uint64
	epochStarted time.Time
	epochCommits uint64
	epochMinTxID uint64
	epochMaxTxID uint64
	epochTxCount uint64

	recentMu        sync.Mutex
	recentCommitted []committedSummary
	recentCap       int

	crashMu    sync.Mutex
	crashAfter map[string]bool // test seam: fail right after committing this table's effect
}

type committedSummary struct {
	txID      uint64
	commitSeq uint64
	writes    map[string]bool // table names written
}

// Open creates (if needed) the transactions directory and returns a Manager.
// If cfg.AutoRecover is set, Open runs recovery before returning.
func Open(root string, cat *catalog.Catalog, branches *branch.Manager, cfg config.Config, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Join(root, "transactions"), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIo, "txn.Open", "create transactions dir", err)
	}
	m := &Manager{
		root:         root,
		cat:          cat,
		branches:     branches,
		cfg:          cfg,
		log:          log,
		active:       make(map[uint64]*transaction),
		nextTxID:     1,
		seq:          1,
		currentEpoch: 1,
		epochStarted: time.Now(),
		recentCap:    1000,
		crashAfter:   make(map[string]bool),
	}
	if cfg.AutoRecover {
		if _, err := m.RecoverAndApply(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) epochDir(epoch uint64) string {
	return filepath.Join(m.root, "transactions", fmt.Sprintf("epoch_%d", epoch))
}

func (m *Manager) recordPath(epoch, txID uint64) string {
	return filepath.Join(m.epochDir(epoch), fmt.Sprintf("tx_%d.json", txID))
}

// epochForNewTx returns the epoch a new transaction belongs to, rolling over
// per cfg.EpochPolicy if this begin crosses a threshold.
func (m *Manager) epochForNewTx() uint64 {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()

	rolled := false
	switch m.cfg.EpochPolicy {
	case config.HighThroughput:
		if m.epochCommits >= config.HighThroughputRolloverCount {
			rolled = true
		}
	case config.LowLatency:
		if time.Since(m.epochStarted) >= config.LowLatencyRolloverInterval {
			rolled = true
		}
	case config.SingleNode:
		// never rolls over
	}
	if rolled {
		if err := m.writeManifestLocked(m.currentEpoch, m.epochStarted, true, m.epochMinTxID, m.epochMaxTxID, m.epochTxCount); err != nil {
			m.log.Warn("failed to close epoch manifest", zap.Uint64("epoch_id", m.currentEpoch), zap.Error(err))
		}
		m.currentEpoch++
		m.epochCommits = 0
		m.epochStarted = time.Now()
		m.epochMinTxID = 0
		m.epochMaxTxID = 0
		m.epochTxCount = 0
	}
	return m.currentEpoch
}

// noteEpochBegin folds a newly-begun transaction into the current epoch's
// manifest tracking and rewrites manifest.json. A write on every Begin is
// deliberate: the manifest should always reflect reality, not just the
// moment an epoch closes.
func (m *Manager) noteEpochBegin(epoch, txID uint64) error {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	if m.epochMinTxID == 0 || txID < m.epochMinTxID {
		m.epochMinTxID = txID
	}
	if txID > m.epochMaxTxID {
		m.epochMaxTxID = txID
	}
	m.epochTxCount++
	return m.writeManifestLocked(epoch, m.epochStarted, false, m.epochMinTxID, m.epochMaxTxID, m.epochTxCount)
}

func (m *Manager) noteEpochCommit() {
	m.epochMu.Lock()
	m.epochCommits++
	m.epochMu.Unlock()
}

// Begin allocates a transaction ID on branchName and persists a Pending
// marker record immediately, so a crash before the first Commit still
// leaves recoverable evidence that the transaction began.
func (m *Manager) Begin(branchName string) (uint64, error) {
	if _, err := m.branches.Get(branchName); err != nil {
		return 0, errs.Wrap(errs.KindNotFound, "txn.Begin", "branch "+branchName, err)
	}

	txID := atomic.AddUint64(&m.nextTxID, 1) - 1
	beginSeq := atomic.AddUint64(&m.seq, 1) - 1
	epoch := m.epochForNewTx()

	tx := &transaction{
		id:           txID,
		epochID:      epoch,
		branch:       branchName,
		startedAt:    time.Now().Unix(),
		beginSeq:     beginSeq,
		readSnapshot: make(map[string]uint64),
		writes:       make(map[string]Write),
		status:       Pending,
	}

	if err := m.persist(tx, ""); err != nil {
		return 0, err
	}
	if err := m.noteEpochBegin(epoch, txID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.active[txID] = tx
	m.mu.Unlock()

	m.log.Debug("txn begin", zap.Uint64("tx_id", txID), zap.String("branch", branchName))
	return txID, nil
}

func (m *Manager) get(txID uint64) (*transaction, error) {
	m.mu.RLock()
	tx, ok := m.active[txID]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindNotFound, "txn.get", fmt.Sprintf("no active transaction %d", txID))
	}
	return tx, nil
}

// RecordRead registers that txID observed table at version. A second,
// differing observation of the same table within the same transaction is a
// Validation error: a transaction must see one consistent snapshot.
func (m *Manager) RecordRead(txID uint64, table string, version uint64) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != Pending {
		return errs.New(errs.KindConsistency, "txn.RecordRead", "transaction is not active")
	}
	if existing, ok := tx.readSnapshot[table]; ok && existing != version {
		return errs.New(errs.KindValidation, "txn.RecordRead",
			fmt.Sprintf("table %q already observed at version %d within this transaction, got %d", table, existing, version))
	}
	tx.readSnapshot[table] = version
	return nil
}

// ReadVersion returns the table version txID should read: its own buffered
// write if one exists (read-your-writes), otherwise catalogVersion as
// observed by the caller, recorded via RecordRead so a later conflicting
// observation is caught. Callers that already buffered a write for table do
// not need to call RecordRead themselves for that table.
func (m *Manager) ReadVersion(txID uint64, table string, catalogVersion uint64) (uint64, error) {
	tx, err := m.get(txID)
	if err != nil {
		return 0, err
	}
	tx.mu.Lock()
	if w, ok := tx.writes[table]; ok {
		tx.mu.Unlock()
		return w.NewVersion, nil
	}
	tx.mu.Unlock()

	if err := m.RecordRead(txID, table, catalogVersion); err != nil {
		return 0, err
	}
	return catalogVersion, nil
}

// AddWrite buffers a write to table as part of txID. newVersion must be the
// version this transaction intends to commit at; conflict detection happens
// at Commit, not here.
func (m *Manager) AddWrite(txID uint64, w Write) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != Pending {
		return errs.New(errs.KindConsistency, "txn.AddWrite", "transaction is not active")
	}
	tx.writes[w.Table] = w
	return nil
}

// GetTransaction returns a snapshot Record of an active transaction's
// current buffered state, for introspection.
func (m *Manager) GetTransaction(txID uint64) (Record, error) {
	tx, err := m.get(txID)
	if err != nil {
		return Record{}, err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.toRecord(""), nil
}

// ActiveTransactions lists every currently Pending transaction ID.
func (m *Manager) ActiveTransactions() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.active))
	for id, tx := range m.active {
		tx.mu.Lock()
		if tx.status == Pending {
			ids = append(ids, id)
		}
		tx.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveCount is the number of currently Pending transactions.
func (m *Manager) ActiveCount() int {
	return len(m.ActiveTransactions())
}

// LatestTxID is the highest transaction ID ever allocated (committed,
// aborted, or still pending).
func (m *Manager) LatestTxID() uint64 {
	return atomic.LoadUint64(&m.nextTxID) - 1
}

func (tx *transaction) toRecord(reason string) Record {
	writes := make([]Write, 0, len(tx.writes))
	for _, w := range tx.writes {
		writes = append(writes, w)
	}
	sort.Slice(writes, func(i, j int) bool { return writes[i].Table < writes[j].Table })

	snap := make(map[string]uint64, len(tx.readSnapshot))
	for k, v := range tx.readSnapshot {
		snap[k] = v
	}

	return Record{
		TxID:         tx.id,
		EpochID:      tx.epochID,
		Branch:       tx.branch,
		Status:       tx.status,
		StartedAt:    tx.startedAt,
		ReadSnapshot: snap,
		Writes:       writes,
		Reason:       reason,
	}
}

// persist writes tx's current Record to its epoch file via temp-then-rename.
func (m *Manager) persist(tx *transaction, reason string) error {
	rec := tx.toRecord(reason)
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindIo, "txn.persist", "marshal record", err)
	}
	if err := writeFileAtomic(m.recordPath(tx.epochID, tx.id), data); err != nil {
		return errs.Wrap(errs.KindIo, "txn.persist", fmt.Sprintf("write tx %d record", tx.id), err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// readFileIfExists returns (nil, nil) if path does not exist, rather than an
// error, so callers can distinguish "never written" from a real read failure.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIo, "txn.readFileIfExists", path, err)
	}
	return data, nil
}

// InjectEffectFailure is a test-only seam: after table's effect is applied
// during a Commit, the commit aborts as if the process had crashed, before
// the marker record is rewritten to Committed. Used to exercise the recovery
// path deterministically (scenario: partial cross-table commit).
func (m *Manager) InjectEffectFailure(table string) {
	m.crashMu.Lock()
	m.crashAfter[table] = true
	m.crashMu.Unlock()
}

func (m *Manager) shouldCrashAfter(table string) bool {
	m.crashMu.Lock()
	defer m.crashMu.Unlock()
	return m.crashAfter[table]
}

// ClearRecentCommitted empties the layer-1 fast-path cache. Exposed so tests
// can force a conflict to be caught only by layer 2 (snapshot validation
// against the catalog), proving the layers are each independently sufficient.
func (m *Manager) ClearRecentCommitted() {
	m.recentMu.Lock()
	m.recentCommitted = nil
	m.recentMu.Unlock()
}
