package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/apperr"
)

// historyTable records applied migrations per provider. The manager
// creates it itself; it is not part of the manifest.
const historyTable = "schema_migrations"

// Target is the slice of a storage provider the manager needs. It is
// satisfied by storage.Provider.
type Target interface {
	DB() *bun.DB
	HasTable(ctx context.Context, name string) (bool, error)
}

// State classifies a provider's schema relative to the manifest.
type State string

const (
	// UpToDate: every manifest migration is applied, nothing else is.
	UpToDate State = "UpToDate"
	// PendingMigrations: a suffix of the manifest is not yet applied and
	// may be applied automatically, in order.
	PendingMigrations State = "PendingMigrations"
	// DriftDetected: the provider's objects or history conflict with the
	// manifest. Automatic action is refused; an operator must reconcile.
	DriftDetected State = "DriftDetected"
)

// Status is the result of a schema check: the applied migration ids in
// order, what remains pending, and any conflicting objects.
type Status struct {
	State     State     `json:"state"`
	Applied   []string  `json:"applied"`
	Pending   []string  `json:"pending,omitempty"`
	Conflicts []string  `json:"conflicts,omitempty"`
	CheckedAt time.Time `json:"lastCheckedAt"`
}

type historyRow struct {
	bun.BaseModel `bun:"table:schema_migrations"`

	ID        string    `bun:"id,pk"`
	AppliedAt time.Time `bun:"applied_at,notnull"`
}

// Manager checks and applies the migration manifest. Runs are strictly
// serialized per tenant; independent tenants never block each other.
type Manager struct {
	manifest []Migration
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager over the given manifest.
func NewManager(manifest []Migration, logger *zap.Logger) *Manager {
	return &Manager{
		manifest: manifest,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

// Check classifies the target's schema without modifying it, except for
// creating the empty history table on first contact.
func (m *Manager) Check(ctx context.Context, t Target) (*Status, error) {
	if err := m.ensureHistory(ctx, t); err != nil {
		return nil, err
	}

	var rows []historyRow
	if err := t.DB().NewSelect().Model(&rows).Order("applied_at ASC", "id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("schema: load history: %w", err)
	}

	status := &Status{CheckedAt: time.Now().UTC(), Applied: []string{}}
	appliedSet := make(map[string]bool, len(rows))
	for _, r := range rows {
		status.Applied = append(status.Applied, r.ID)
		appliedSet[r.ID] = true
	}

	manifestSet := make(map[string]bool, len(m.manifest))
	for _, mig := range m.manifest {
		manifestSet[mig.ID] = true
	}

	// History rows the manifest does not know about are drift: they
	// describe objects this code cannot reason about.
	for _, id := range status.Applied {
		if !manifestSet[id] {
			status.Conflicts = append(status.Conflicts, "unknown migration in history: "+id)
		}
	}

	for _, mig := range m.manifest {
		if appliedSet[mig.ID] {
			continue
		}
		// A pre-existing table with no history entry means someone else
		// created it. Auto-migrating onto it risks data loss.
		exists, err := t.HasTable(ctx, mig.Table)
		if err != nil {
			return nil, err
		}
		if exists {
			status.Conflicts = append(status.Conflicts, "table exists without history: "+mig.Table)
			continue
		}
		status.Pending = append(status.Pending, mig.ID)
	}

	switch {
	case len(status.Conflicts) > 0:
		status.State = DriftDetected
	case len(status.Pending) > 0:
		status.State = PendingMigrations
	default:
		status.State = UpToDate
	}
	return status, nil
}

// Apply brings the target up to date. Pending migrations run in strict
// manifest order, each committed (DDL plus history row) before the next
// starts. Drift refuses automatic action and surfaces the conflicting
// objects; zero migrations are applied in that case.
func (m *Manager) Apply(ctx context.Context, tenantID string, t Target) (*Status, error) {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	status, err := m.Check(ctx, t)
	if err != nil {
		return nil, err
	}

	switch status.State {
	case UpToDate:
		return status, nil
	case DriftDetected:
		return status, apperr.New(apperr.KindSchemaDrift, "schema drift detected; operator reconciliation required").
			WithDetail("conflicts", status.Conflicts)
	}

	pending := make(map[string]bool, len(status.Pending))
	for _, id := range status.Pending {
		pending[id] = true
	}

	for _, mig := range m.manifest {
		if !pending[mig.ID] {
			continue
		}
		if err := m.applyOne(ctx, t, mig); err != nil {
			return nil, err
		}
		m.logger.Info("migration applied",
			zap.String("tenant_id", tenantID),
			zap.String("migration", mig.ID),
		)
	}

	return m.Check(ctx, t)
}

func (m *Manager) applyOne(ctx context.Context, t Target, mig Migration) error {
	err := t.DB().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return fmt.Errorf("schema: apply %s: %w", mig.ID, err)
		}
		row := historyRow{ID: mig.ID, AppliedAt: time.Now().UTC()}
		if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
			return fmt.Errorf("schema: record %s: %w", mig.ID, err)
		}
		return nil
	})
	return err
}

// MarkApplied records migrations as pre-applied without running their
// DDL. This is the operator-approved reconciliation path for drift where
// manual verification confirmed the existing objects match the manifest.
func (m *Manager) MarkApplied(ctx context.Context, t Target, ids []string) error {
	if err := m.ensureHistory(ctx, t); err != nil {
		return err
	}

	known := make(map[string]bool, len(m.manifest))
	for _, mig := range m.manifest {
		known[mig.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return apperr.Validation("unknown migration id: " + id)
		}
	}

	return t.DB().RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, id := range ids {
			row := historyRow{ID: id, AppliedAt: time.Now().UTC()}
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("schema: mark applied %s: %w", id, err)
			}
		}
		return nil
	})
}

func (m *Manager) ensureHistory(ctx context.Context, t Target) error {
	exists, err := t.HasTable(ctx, historyTable)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	ddl := strings.Join([]string{
		"CREATE TABLE IF NOT EXISTS schema_migrations (",
		"    id         VARCHAR(128) PRIMARY KEY,",
		"    applied_at TIMESTAMP NOT NULL",
		")",
	}, "\n")
	if _, err := t.DB().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("schema: create history table: %w", err)
	}
	return nil
}
