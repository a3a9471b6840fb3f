// Package resourceview owns the live resource-unit tree the scheduler
// framework (internal/placement) selects against, plus a supplementary
// Postgres-backed snapshot used only to speed up restart recovery — the
// watch-driven in-memory tree built from internal/metastore.WatchPrefix
// events remains the primary source of truth per spec §6 ("no specific
// schema is required of the metastore... no other persistent state; all
// other maps are rebuilt from subscriptions at start").
//
// Grounded on the teacher's internal/cluster/node.go (resource-pressure
// scoring / node registry shape) for the view's Go idiom, and
// internal/store/postgres.go for the pgxpool snapshot table pattern.
package resourceview

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/placement"
)

// View is the process-local, subscription-built tree of resource units
// (spec §3 "Resource unit"). One top-level unit per node/pod, reachable by
// ID; updates arrive via Put/Delete/SetStatus.
type View struct {
	mu    sync.RWMutex
	units map[string]*placement.ResourceUnit
}

// New constructs an empty View.
func New() *View {
	return &View{units: make(map[string]*placement.ResourceUnit)}
}

// Put inserts or replaces the unit tree at unit.ID.
func (v *View) Put(unit *placement.ResourceUnit) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.units[unit.ID] = unit
}

// Delete removes the unit tree at id.
func (v *View) Delete(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.units, id)
}

// Get returns the unit tree at id, or nil.
func (v *View) Get(id string) *placement.ResourceUnit {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.units[id]
}

// SetStatus mutates the operational status of a fragment within a top-level
// unit (spec §3: "A resource unit with status != NORMAL never participates
// in filtering").
func (v *View) SetStatus(topLevelID, fragmentID string, status placement.Status) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	top, ok := v.units[topLevelID]
	if !ok {
		return false
	}
	if fragmentID == "" || fragmentID == topLevelID {
		top.Status = status
		return true
	}
	frag, ok := top.Fragment[fragmentID]
	if !ok {
		return false
	}
	frag.Status = status
	return true
}

// Snapshot returns a new map of every top-level unit currently held, for
// handing to placement.Framework.SelectFeasible. Only the map is copied;
// the units themselves are shared with the View.
func (v *View) Snapshot() map[string]*placement.ResourceUnit {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]*placement.ResourceUnit, len(v.units))
	for k, u := range v.units {
		out[k] = u
	}
	return out
}

// unitRow is the JSONB-encoded persisted shape of one top-level unit.
type unitRow struct {
	ID       string                            `json:"id"`
	Capacity map[string]int64                  `json:"capacity"`
	Labels   map[string]string                 `json:"labels"`
	Status   placement.Status                  `json:"status"`
	Fragment map[string]*placement.ResourceUnit `json:"fragment"`
}

// Snapshotter persists and reloads a View against Postgres, for faster
// recovery after a scheduler restart than waiting on a cold watch replay.
// This is supplementary: the watch stream remains authoritative, per
// SPEC_FULL §3's resourceview entry.
type Snapshotter struct {
	pool *pgxpool.Pool
}

// NewSnapshotter connects to dsn and ensures the snapshot table exists.
func NewSnapshotter(ctx context.Context, dsn string) (*Snapshotter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("resourceview: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("resourceview: create postgres pool: %w", err)
	}
	s := &Snapshotter{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Snapshotter) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS resource_unit_snapshot (
		id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

func (s *Snapshotter) Close() {
	s.pool.Close()
}

// Save persists one top-level unit's current tree.
func (s *Snapshotter) Save(ctx context.Context, unit *placement.ResourceUnit) error {
	row := unitRow{ID: unit.ID, Capacity: unit.Capacity, Labels: unit.Labels, Status: unit.Status, Fragment: unit.Fragment}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("resourceview: marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO resource_unit_snapshot (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, unit.ID, data)
	return err
}

// LoadAll reloads every persisted unit, for seeding a View ahead of the
// watch stream catching up.
func (s *Snapshotter) LoadAll(ctx context.Context) ([]*placement.ResourceUnit, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM resource_unit_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("resourceview: query snapshot: %w", err)
	}
	defer rows.Close()

	var out []*placement.ResourceUnit
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("resourceview: scan snapshot row: %w", err)
		}
		var row unitRow
		if err := json.Unmarshal(data, &row); err != nil {
			logging.Op().Warn("resourceview: skip corrupt snapshot row", "err", err)
			continue
		}
		out = append(out, &placement.ResourceUnit{
			ID: row.ID, Capacity: row.Capacity, Labels: row.Labels, Status: row.Status, Fragment: row.Fragment,
		})
	}
	return out, rows.Err()
}

// Delete removes a persisted snapshot row, e.g. once a node is decommissioned.
func (s *Snapshotter) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM resource_unit_snapshot WHERE id = $1`, id)
	return err
}
