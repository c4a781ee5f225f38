package txn

import "sort"

// ChangelogEntry is one committed transaction's effects on a single table, in
// commit order. OldVersion is the version of this table this transaction
// superseded, per the last entry seen for the same table (0 if this is the
// first changelog entry to touch the table within the scanned range).
type ChangelogEntry struct {
	TxID        uint64 `json:"tx_id"`
	Branch      string `json:"branch"`
	CommittedAt int64  `json:"committed_at"`
	Table       string `json:"table"`
	OldVersion  uint64 `json:"old_version"`
	NewVersion  uint64 `json:"new_version"`
}

// ChangelogFilter narrows GetChangelog's scan. A zero value matches
// everything. SinceTxID and SinceTimestamp are both inclusive lower bounds;
// when both are set an entry must satisfy both.
type ChangelogFilter struct {
	SinceTxID      uint64
	SinceTimestamp int64
	Tables         []string // empty means every table
	Branch         string   // empty means every branch
	Limit          int      // 0 means unlimited
}

// GetChangelog returns committed transactions' per-table effects in
// ascending tx_id order, derived by scanning transaction records rather than
// maintained as a separate log, so it is always consistent with whatever
// recovery has resolved. Per-file parse failures are skipped, not fatal,
// matching Recover's failure semantics.
func (m *Manager) GetChangelog(filter ChangelogFilter) ([]ChangelogEntry, error) {
	results, _, err := m.scanAllRecords()
	if err != nil {
		return nil, err
	}

	wantTables := make(map[string]bool, len(filter.Tables))
	for _, t := range filter.Tables {
		wantTables[t] = true
	}

	type rawEntry struct {
		txID        uint64
		branch      string
		committedAt int64
		table       string
		newVersion  uint64
	}
	var raw []rawEntry
	for _, res := range results {
		rec := res.rec
		if rec.Status != Committed {
			continue
		}
		if rec.TxID < filter.SinceTxID {
			continue
		}
		if filter.Branch != "" && rec.Branch != filter.Branch {
			continue
		}
		var committedAt int64
		if rec.CommittedAt != nil {
			committedAt = *rec.CommittedAt
		}
		if filter.SinceTimestamp != 0 && committedAt < filter.SinceTimestamp {
			continue
		}
		for _, w := range rec.Writes {
			if len(wantTables) > 0 && !wantTables[w.Table] {
				continue
			}
			raw = append(raw, rawEntry{
				txID:        rec.TxID,
				branch:      rec.Branch,
				committedAt: committedAt,
				table:       w.Table,
				newVersion:  w.NewVersion,
			})
		}
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].txID < raw[j].txID })

	lastSeen := make(map[string]uint64)
	out := make([]ChangelogEntry, 0, len(raw))
	for _, r := range raw {
		out = append(out, ChangelogEntry{
			TxID:        r.txID,
			Branch:      r.branch,
			CommittedAt: r.committedAt,
			Table:       r.table,
			OldVersion:  lastSeen[r.table],
			NewVersion:  r.newVersion,
		})
		lastSeen[r.table] = r.newVersion
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
