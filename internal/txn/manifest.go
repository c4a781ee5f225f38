package txn

import (
	"encoding/json"
	"path/filepath"
	"time"

	"rhizo/internal/errs"

	"github.com/google/uuid"
)

// EpochManifest is the optional per-epoch sidecar spec.md §6 names: a small
// JSON record of the rollover policy in effect, when the epoch started, and
// the range of transaction ids it holds. It is derived state, rebuilt
// whenever an epoch gains a transaction; losing it changes nothing a reader
// couldn't recompute by scanning the epoch's tx_*.json files.
type EpochManifest struct {
	ManifestID string `json:"manifest_id"`
	EpochID    uint64 `json:"epoch_id"`
	Policy     string `json:"policy"`
	StartedAt  int64  `json:"started_at"`
	ClosedAt   *int64 `json:"closed_at,omitempty"`
	MinTxID    uint64 `json:"min_tx_id"`
	MaxTxID    uint64 `json:"max_tx_id"`
	TxCount    uint64 `json:"tx_count"`
}

func (m *Manager) manifestPath(epoch uint64) string {
	return filepath.Join(m.epochDir(epoch), "manifest.json")
}

// writeManifestLocked writes or rewrites epoch's manifest.json. Caller must
// hold m.epochMu.
func (m *Manager) writeManifestLocked(epoch uint64, startedAt time.Time, closed bool, minTxID, maxTxID, txCount uint64) error {
	man := EpochManifest{
		ManifestID: uuid.NewString(),
		EpochID:    epoch,
		Policy:     m.cfg.EpochPolicy.String(),
		StartedAt:  startedAt.Unix(),
		MinTxID:    minTxID,
		MaxTxID:    maxTxID,
		TxCount:    txCount,
	}
	if closed {
		now := time.Now().Unix()
		man.ClosedAt = &now
	}
	data, err := json.Marshal(man)
	if err != nil {
		return errs.Wrap(errs.KindIo, "txn.writeManifestLocked", "marshal manifest", err)
	}
	if err := writeFileAtomic(m.manifestPath(epoch), data); err != nil {
		return errs.Wrap(errs.KindIo, "txn.writeManifestLocked", "write manifest", err)
	}
	return nil
}

// GetEpochManifest reads the manifest for epoch, or (EpochManifest{}, false)
// if it has never been written (empty epoch, or created under a Manager
// build that predates this feature).
func (m *Manager) GetEpochManifest(epoch uint64) (EpochManifest, bool, error) {
	data, err := readFileIfExists(m.manifestPath(epoch))
	if err != nil {
		return EpochManifest{}, false, err
	}
	if data == nil {
		return EpochManifest{}, false, nil
	}
	var man EpochManifest
	if err := json.Unmarshal(data, &man); err != nil {
		return EpochManifest{}, false, errs.Wrap(errs.KindIo, "txn.GetEpochManifest", "unmarshal manifest", err)
	}
	return man, true, nil
}
