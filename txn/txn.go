// Package txn is the transaction manager state machine (spec.md §9):
// pending -> committing -> committed, or pending -> rolling_back ->
// rolled_back, with any step able to fail; a failed transaction can still
// be rolled back, a committed one cannot. It keeps an in-memory table of
// in-flight transactions guarded by a mutex, mirrored durably via
// metastore at begin and at each settled state (committed, rolled_back,
// failed); committing and rolling_back are in memory only — the teacher's own
// db.go pattern (one source of truth, durable, read through a thin
// in-memory cache) applied to transaction bookkeeping instead of block
// index entries.
package txn

import (
	"log/slog"
	"sync"
	"time"

	"aifs.dev/engine/aifserr"
	"aifs.dev/engine/metastore"
)

// State mirrors metastore.TxState for callers that don't want to import
// metastore directly.
type State = metastore.TxState

const (
	Pending     = metastore.TxPending
	Committing  = metastore.TxCommitting
	Committed   = metastore.TxCommitted
	RollingBack = metastore.TxRollingBack
	RolledBack  = metastore.TxRolledBack
	Failed      = metastore.TxFailed
)

// inflight is the in-memory record for one open transaction.
type inflight struct {
	state    State
	assetIDs []string
	parents  map[string]bool // declared parent asset ids that must be visible to commit
}

// Manager runs the transaction state machine for one engine instance.
type Manager struct {
	store *metastore.Store

	mu    sync.Mutex
	table map[string]*inflight
}

// NewManager returns a Manager backed by store for durable mirroring.
func NewManager(store *metastore.Store) *Manager {
	return &Manager{store: store, table: make(map[string]*inflight)}
}

// Begin opens a new transaction and mirrors it durably as pending.
func (m *Manager) Begin(txID string) error {
	if txID == "" {
		return aifserr.New(aifserr.CodeInvalidArgument, "txn: id required")
	}
	m.mu.Lock()
	if _, exists := m.table[txID]; exists {
		m.mu.Unlock()
		return aifserr.New(aifserr.CodeAlreadyExists, "txn: transaction already open")
	}
	m.table[txID] = &inflight{state: Pending, parents: make(map[string]bool)}
	m.mu.Unlock()

	return m.store.SaveTxRecord(metastore.TxRecord{
		ID:        txID,
		State:     metastore.TxPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
}

// AddAsset declares assetID as part of txID. Valid only while the
// transaction is pending.
func (m *Manager) AddAsset(txID, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.table[txID]
	if !ok {
		return aifserr.New(aifserr.CodeNotFound, "txn: no such transaction")
	}
	if tx.state != Pending {
		return aifserr.Newf(aifserr.CodeFailedPrecondition, "txn: cannot add asset while state is %s", tx.state)
	}
	tx.assetIDs = append(tx.assetIDs, assetID)
	return nil
}

// AddDependency declares that txID's result depends on parentAssetID
// already being visible at commit time. Valid only while pending.
func (m *Manager) AddDependency(txID, parentAssetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.table[txID]
	if !ok {
		return aifserr.New(aifserr.CodeNotFound, "txn: no such transaction")
	}
	if tx.state != Pending {
		return aifserr.Newf(aifserr.CodeFailedPrecondition, "txn: cannot add dependency while state is %s", tx.state)
	}
	tx.parents[parentAssetID] = true
	return nil
}

// Commit verifies every declared parent dependency is currently visible,
// then atomically flips the transaction's own assets to visible and
// marks the transaction committed in one durable metastore transaction.
// On any failure it marks the transaction failed and returns the error.
func (m *Manager) Commit(txID string) error {
	m.mu.Lock()
	tx, ok := m.table[txID]
	if !ok {
		m.mu.Unlock()
		return aifserr.New(aifserr.CodeNotFound, "txn: no such transaction")
	}
	if tx.state != Pending {
		m.mu.Unlock()
		return aifserr.Newf(aifserr.CodeFailedPrecondition, "txn: cannot commit from state %s", tx.state)
	}
	tx.state = Committing
	assetIDs := append([]string(nil), tx.assetIDs...)
	parents := make([]string, 0, len(tx.parents))
	for p := range tx.parents {
		parents = append(parents, p)
	}
	m.mu.Unlock()

	for _, p := range parents {
		visible, err := m.store.IsVisible(p)
		if err != nil {
			m.markFailed(txID)
			return err
		}
		if !visible {
			m.markFailed(txID)
			return aifserr.Newf(aifserr.CodeFailedPrecondition, "txn: declared parent %q is not visible", p).WithReason("parent_not_visible")
		}
	}

	if err := m.store.CommitTransaction(txID, assetIDs); err != nil {
		m.markFailed(txID)
		return err
	}

	m.mu.Lock()
	tx.state = Committed
	m.mu.Unlock()
	return nil
}

// Rollback discards a transaction's tx-scoped assets, which are never
// made visible.
func (m *Manager) Rollback(txID string) error {
	m.mu.Lock()
	tx, ok := m.table[txID]
	if !ok {
		m.mu.Unlock()
		return aifserr.New(aifserr.CodeNotFound, "txn: no such transaction")
	}
	if tx.state != Pending && tx.state != Failed {
		m.mu.Unlock()
		return aifserr.Newf(aifserr.CodeFailedPrecondition, "txn: cannot roll back from state %s", tx.state)
	}
	tx.state = RollingBack
	assetIDs := append([]string(nil), tx.assetIDs...)
	m.mu.Unlock()

	if err := m.store.RollbackTransaction(txID, assetIDs); err != nil {
		m.markFailed(txID)
		return err
	}

	m.mu.Lock()
	tx.state = RolledBack
	m.mu.Unlock()
	return nil
}

func (m *Manager) markFailed(txID string) {
	m.mu.Lock()
	if tx, ok := m.table[txID]; ok {
		tx.state = Failed
	}
	m.mu.Unlock()
	slog.Warn("txn: transaction failed", "tx_id", txID)
	_ = m.store.SaveTxRecord(metastore.TxRecord{ID: txID, State: metastore.TxFailed, UpdatedAt: time.Now()})
}

// State returns a transaction's current in-memory state.
func (m *Manager) State(txID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.table[txID]
	if !ok {
		return "", false
	}
	return tx.state, true
}

// AutoCommit runs a single-asset operation under the given txID (e.g. one
// the caller generated for a request that carried no tx_id): begin, add
// the asset, declare its parents, commit, all in one call, for callers
// that don't need multi-asset atomicity (spec.md §9).
func (m *Manager) AutoCommit(txID, assetID string, parentAssetIDs []string) error {
	if err := m.Begin(txID); err != nil {
		return err
	}
	if err := m.AddAsset(txID, assetID); err != nil {
		return err
	}
	for _, p := range parentAssetIDs {
		if err := m.AddDependency(txID, p); err != nil {
			return err
		}
	}
	return m.Commit(txID)
}
