package txn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"rhizo/internal/errs"

	"go.uber.org/zap"
)

// RecoveryReport summarizes a scan of every epoch directory, per spec.md
// §4.E.5.
type RecoveryReport struct {
	LastCommittedEpoch uint64
	RolledBack         int // Pending records (mark-aborted, applied only by RecoverAndApply)
	AlreadyCommitted   int
	AlreadyAborted     int
	Warnings           []string // committed records whose effects could not be verified
	Errors             []string // tx files that failed to parse; scan continues past them
	IsClean            bool     // true iff RolledBack == 0 and Warnings is empty
}

func (r *RecoveryReport) finish() {
	r.IsClean = r.RolledBack == 0 && len(r.Warnings) == 0
}

// scanResult is one parsed transaction record plus its file path, or a
// parse error.
type scanResult struct {
	path string
	rec  Record
	err  error
}

func (m *Manager) scanAllRecords() ([]scanResult, []string, error) {
	epochs, err := m.listEpochs()
	if err != nil {
		return nil, nil, err
	}

	var results []scanResult
	var parseErrors []string
	for _, epoch := range epochs {
		entries, err := os.ReadDir(m.epochDir(epoch))
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindIo, "txn.scanAllRecords", fmt.Sprintf("read epoch %d", epoch), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if _, ok := parseTxFileName(e.Name()); !ok {
				continue
			}
			path := filepath.Join(m.epochDir(epoch), e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				parseErrors = append(parseErrors, fmt.Sprintf("%s: %v", path, err))
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				parseErrors = append(parseErrors, fmt.Sprintf("%s: %v", path, err))
				continue
			}
			results = append(results, scanResult{path: path, rec: rec})
		}
	}
	return results, parseErrors, nil
}

// Recover is a read-only dry run: it scans and classifies every transaction
// record and reports what RecoverAndApply would do, without mutating any
// file. Use this to inspect recovery state before committing to it.
func (m *Manager) Recover() (RecoveryReport, error) {
	return m.recover(false)
}

// RecoverAndApply performs the same scan as Recover, then rewrites every
// Pending record to Aborted in place (write-temp-rename), per spec.md
// §4.E.5 step 3. It is safe to call repeatedly and is what Open runs
// automatically when cfg.AutoRecover is set.
func (m *Manager) RecoverAndApply() (RecoveryReport, error) {
	return m.recover(true)
}

func (m *Manager) recover(apply bool) (RecoveryReport, error) {
	var report RecoveryReport

	results, parseErrors, err := m.scanAllRecords()
	if err != nil {
		return report, err
	}
	report.Errors = parseErrors

	var maxTxID uint64
	for _, res := range results {
		rec := res.rec
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		if rec.EpochID > report.LastCommittedEpoch && rec.Status == Committed {
			report.LastCommittedEpoch = rec.EpochID
		}

		switch rec.Status {
		case Pending:
			report.RolledBack++
			if apply {
				rec.Status = Aborted
				rec.Reason = "recovered"
				out, err := marshalRecord(rec)
				if err != nil {
					return report, err
				}
				if err := writeFileAtomic(res.path, out); err != nil {
					return report, errs.Wrap(errs.KindIo, "txn.recover", "rewrite "+res.path, err)
				}
				m.log.Info("txn recovered pending as aborted", zap.Uint64("tx_id", rec.TxID))
			}
		case Committed:
			report.AlreadyCommitted++
			if detail := m.verifyCommittedEffects(rec); detail != "" {
				report.Warnings = append(report.Warnings, detail)
			}
		case Aborted:
			report.AlreadyAborted++
		}
	}
	report.finish()

	if apply {
		for {
			cur := atomic.LoadUint64(&m.nextTxID)
			if maxTxID+1 <= cur {
				break
			}
			if atomic.CompareAndSwapUint64(&m.nextTxID, cur, maxTxID+1) {
				break
			}
		}
	}
	return report, nil
}

// ConsistencyReport is the result of VerifyConsistency: a standalone check
// of committed transactions' effects against the catalog, without touching
// any Pending record.
type ConsistencyReport struct {
	Checked  int
	Warnings []string
	Errors   []string
	IsClean  bool
}

// VerifyConsistency re-checks every Committed record's effects against the
// Catalog without resolving any Pending record, for callers that want a
// consistency signal without risking a recovery side effect.
func (m *Manager) VerifyConsistency() (ConsistencyReport, error) {
	var report ConsistencyReport

	results, parseErrors, err := m.scanAllRecords()
	if err != nil {
		return report, err
	}
	report.Errors = parseErrors

	for _, res := range results {
		if res.rec.Status != Committed {
			continue
		}
		report.Checked++
		if detail := m.verifyCommittedEffects(res.rec); detail != "" {
			report.Warnings = append(report.Warnings, detail)
		}
	}
	report.IsClean = len(report.Warnings) == 0 && len(report.Errors) == 0
	return report, nil
}

// verifyCommittedEffects checks that every table a committed transaction
// wrote is at least at the version it committed, per the Catalog, and that
// the transaction's branch head reflects that version too. commit.go
// advances the catalog then the branch head per table, one table at a time,
// so a crash between those two calls for one table leaves a stale branch
// head that the catalog check alone would miss. A mismatch here means the
// marker was written but a later crash (or disk corruption) lost one of
// those records, which recovery can only report, not repair.
func (m *Manager) verifyCommittedEffects(rec Record) string {
	for _, w := range rec.Writes {
		current, err := m.cat.CurrentLatest(w.Table)
		if err != nil {
			return fmt.Sprintf("tx %d: reading catalog for table %q: %v", rec.TxID, w.Table, err)
		}
		if current < w.NewVersion {
			return fmt.Sprintf("tx %d: committed table %q at version %d but catalog latest is %d",
				rec.TxID, w.Table, w.NewVersion, current)
		}

		b, err := m.branches.Get(rec.Branch)
		if err != nil {
			return fmt.Sprintf("tx %d: reading branch %q for table %q: %v", rec.TxID, rec.Branch, w.Table, err)
		}
		if b.Head[w.Table] < w.NewVersion {
			return fmt.Sprintf("tx %d: committed table %q at version %d but branch %q head is %d",
				rec.TxID, w.Table, w.NewVersion, rec.Branch, b.Head[w.Table])
		}
	}
	return ""
}

func (m *Manager) listEpochs() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, "transactions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIo, "txn.listEpochs", "", err)
	}
	var epochs []uint64
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "epoch_") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), "epoch_"), 10, 64)
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs, nil
}

func parseTxFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "tx_") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "tx_"), ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
