package txn

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"rhizo/internal/catalog"
	"rhizo/internal/errs"

	"go.uber.org/zap"
)

func marshalRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.Wrap(errs.KindIo, "txn.marshalRecord", "marshal", err)
	}
	return data, nil
}

// Commit attempts to commit txID. It runs three independent conflict checks
// before touching any durable state:
//
//  1. Recent-committed fast path: does any transaction that committed after
//     txID began share a table with txID's read-or-write set?
//  2. Snapshot validation: has any table txID read since moved past the
//     version it observed, per the Catalog itself?
//  3. Catalog monotonicity: Catalog.Commit enforces new_version ==
//     current+1 as the effects are applied, the final word regardless of 1/2.
//
// Effects (Catalog.Commit + branch head update, per written table, in
// table-name order for determinism) are applied before the transaction's own
// marker record is rewritten to Committed, so a crash mid-commit always
// leaves either no visible effect for a table or a fully-applied one, with
// the marker itself staying Pending until every effect has landed.
func (m *Manager) Commit(txID uint64) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	if tx.status != Pending {
		tx.mu.Unlock()
		return errs.New(errs.KindConsistency, "txn.Commit", "transaction is not active")
	}
	writes := make(map[string]Write, len(tx.writes))
	for k, v := range tx.writes {
		writes[k] = v
	}
	readSnapshot := make(map[string]uint64, len(tx.readSnapshot))
	for k, v := range tx.readSnapshot {
		readSnapshot[k] = v
	}
	beginSeq := tx.beginSeq
	branchName := tx.branch
	tx.mu.Unlock()

	if len(writes) == 0 {
		return m.finishCommit(tx)
	}

	touched := make(map[string]bool, len(writes)+len(readSnapshot))
	for t := range writes {
		touched[t] = true
	}
	for t := range readSnapshot {
		touched[t] = true
	}

	if conflict := m.checkRecentCommitted(beginSeq, touched); conflict != "" {
		return errs.New(errs.KindConflict, "txn.Commit",
			fmt.Sprintf("table %q was committed by another transaction after this one began", conflict))
	}

	if conflict, err := m.checkSnapshot(readSnapshot); err != nil {
		return err
	} else if conflict != "" {
		return errs.New(errs.KindConflict, "txn.Commit",
			fmt.Sprintf("table %q advanced past the version this transaction observed", conflict))
	}

	tables := make([]string, 0, len(writes))
	for t := range writes {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		w := writes[table]
		if _, err := m.cat.Commit(catalog.TableVersion{
			TableName:   table,
			Version:     w.NewVersion,
			ChunkHashes: w.ChunkHashes,
			SchemaHash:  w.SchemaHash,
			CreatedAt:   time.Now().Unix(),
		}); err != nil {
			// Layer 3: the catalog itself refused non-sequential versions.
			// Prior tables in this loop already committed; those effects are
			// left in place deliberately, with this transaction's record still
			// Pending, rather than attempting a rollback the catalog has no
			// primitive for.
			return errs.Wrap(errs.KindConflict, "txn.Commit",
				fmt.Sprintf("catalog rejected version for table %q", table), err)
		}
		if err := m.branches.UpdateHead(branchName, table, w.NewVersion); err != nil {
			return errs.Wrap(errs.KindIo, "txn.Commit",
				fmt.Sprintf("update branch head for table %q", table), err)
		}
		if m.shouldCrashAfter(table) {
			return errs.New(errs.KindIo, "txn.Commit",
				fmt.Sprintf("simulated crash after committing table %q", table))
		}
	}

	return m.finishCommit(tx)
}

func (m *Manager) finishCommit(tx *transaction) error {
	tx.mu.Lock()
	tx.status = Committed
	rec := tx.toRecord("")
	now := time.Now().Unix()
	rec.CommittedAt = &now
	tx.mu.Unlock()

	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.recordPath(rec.EpochID, rec.TxID), data); err != nil {
		return errs.Wrap(errs.KindIo, "txn.finishCommit", fmt.Sprintf("write tx %d marker", rec.TxID), err)
	}

	commitSeq := m.bumpSeq()
	touched := make(map[string]bool, len(rec.Writes))
	for _, w := range rec.Writes {
		touched[w.Table] = true
	}
	m.publishCommitted(rec.TxID, commitSeq, touched)
	m.noteEpochCommit()

	m.mu.Lock()
	delete(m.active, rec.TxID)
	m.mu.Unlock()

	m.log.Debug("txn commit", zap.Uint64("tx_id", rec.TxID), zap.Int("tables", len(touched)))
	return nil
}

// Abort discards a transaction's buffered writes and rewrites its marker
// record to Aborted. No effects were ever applied for an aborted
// transaction, so there is nothing to undo.
func (m *Manager) Abort(txID uint64, reason string) error {
	tx, err := m.get(txID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	if tx.status != Pending {
		tx.mu.Unlock()
		return errs.New(errs.KindConsistency, "txn.Abort", "transaction is not active")
	}
	tx.status = Aborted
	rec := tx.toRecord(reason)
	tx.mu.Unlock()

	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.recordPath(rec.EpochID, rec.TxID), data); err != nil {
		return errs.Wrap(errs.KindIo, "txn.Abort", fmt.Sprintf("write tx %d marker", rec.TxID), err)
	}

	m.mu.Lock()
	delete(m.active, txID)
	m.mu.Unlock()

	m.log.Debug("txn abort", zap.Uint64("tx_id", txID), zap.String("reason", reason))
	return nil
}

func (m *Manager) bumpSeq() uint64 {
	return atomic.AddUint64(&m.seq, 1) - 1
}

// checkRecentCommitted is layer 1: any transaction that committed after
// beginSeq (the global event clock value sampled at this transaction's
// Begin) touching one of touched's tables is a conflict.
func (m *Manager) checkRecentCommitted(beginSeq uint64, touched map[string]bool) string {
	m.recentMu.Lock()
	defer m.recentMu.Unlock()
	for _, c := range m.recentCommitted {
		if c.commitSeq <= beginSeq {
			continue
		}
		for table := range touched {
			if c.writes[table] {
				return table
			}
		}
	}
	return ""
}

// checkSnapshot is layer 2: re-validate every table this transaction read
// against the catalog's current latest version.
func (m *Manager) checkSnapshot(readSnapshot map[string]uint64) (string, error) {
	for table, observed := range readSnapshot {
		current, err := m.cat.CurrentLatest(table)
		if err != nil {
			return "", err
		}
		if current != observed {
			return table, nil
		}
	}
	return "", nil
}

func (m *Manager) publishCommitted(txID, commitSeq uint64, touched map[string]bool) {
	m.recentMu.Lock()
	m.recentCommitted = append(m.recentCommitted, committedSummary{txID: txID, commitSeq: commitSeq, writes: touched})
	if len(m.recentCommitted) > m.recentCap {
		m.recentCommitted = m.recentCommitted[len(m.recentCommitted)-m.recentCap:]
	}
	m.recentMu.Unlock()
}
