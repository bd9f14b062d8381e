package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/cloudmgr/pkg/inventory"
)

// LoadInventory returns the persisted graph of a connection.
func (s *SQLiteStore) LoadInventory(ctx context.Context, connectionID string) (*inventory.Graph, error) {
	if _, err := s.getConnection(ctx, s.db, "id", connectionID); err != nil {
		return nil, err
	}
	return loadGraph(ctx, s.db, connectionID)
}

// ReconcileInventory folds a remote graph into the persisted graph of the
// connection. The diff and every resulting write run in one transaction;
// on error nothing is committed. A connection deleted concurrently makes
// the transaction fail.
func (s *SQLiteStore) ReconcileInventory(ctx context.Context, connectionID string, remote *inventory.Graph) (*inventory.Plan, error) {
	var plan *inventory.Plan
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getConnection(ctx, tx, "id", connectionID); err != nil {
			return err
		}

		current, err := loadGraph(ctx, tx, connectionID)
		if err != nil {
			return err
		}

		plan, err = inventory.Diff(current, remote)
		if err != nil {
			return fmt.Errorf("failed to diff inventory: %w", err)
		}

		return applyPlan(ctx, tx, connectionID, plan, s.now())
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// UpdatePowerState writes the raw power state of one resource. No other
// resource attribute is touched.
func (s *SQLiteStore) UpdatePowerState(ctx context.Context, resourceID, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE managed_resources SET raw_power_state = ?, updated_at = ? WHERE id = ?`,
		state, s.now(), resourceID)
	if err != nil {
		return fmt.Errorf("failed to update power state: %w", err)
	}
	return requireAffected(result, "resource", resourceID)
}

const resourceColumns = `id, connection_id, ems_ref, name, resource_group, raw_power_state,
	flavor_ref, zone_ref, image_ref, ip_address, created_at, updated_at`

func scanResource(row interface{ Scan(...any) error }) (inventory.ManagedResource, error) {
	var r inventory.ManagedResource
	err := row.Scan(
		&r.ID,
		&r.ConnectionID,
		&r.EmsRef,
		&r.Name,
		&r.ResourceGroup,
		&r.RawPowerState,
		&r.FlavorRef,
		&r.ZoneRef,
		&r.ImageRef,
		&r.IPAddress,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

// GetResource retrieves a managed resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*inventory.ManagedResource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM managed_resources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &r, nil
}

// ListResources returns the managed resources of a connection ordered by
// name.
func (s *SQLiteStore) ListResources(ctx context.Context, connectionID string) ([]inventory.ManagedResource, error) {
	return listResources(ctx, s.db, connectionID)
}

func listResources(ctx context.Context, q querier, connectionID string) ([]inventory.ManagedResource, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM managed_resources WHERE connection_id = ? ORDER BY name, ems_ref`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []inventory.ManagedResource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return out, nil
}

func loadGraph(ctx context.Context, q querier, connectionID string) (*inventory.Graph, error) {
	g := &inventory.Graph{}
	var err error

	if g.ResourceGroups, err = queryAll(ctx, q,
		`SELECT id, connection_id, ems_ref, name, location, created_at, updated_at
		 FROM resource_groups WHERE connection_id = ? ORDER BY ems_ref`, connectionID,
		func(row *sql.Rows) (inventory.ResourceGroup, error) {
			var v inventory.ResourceGroup
			err := row.Scan(&v.ID, &v.ConnectionID, &v.EmsRef, &v.Name, &v.Location, &v.CreatedAt, &v.UpdatedAt)
			return v, err
		}); err != nil {
		return nil, err
	}

	if g.Resources, err = listResources(ctx, q, connectionID); err != nil {
		return nil, err
	}

	if g.Flavors, err = queryAll(ctx, q,
		`SELECT id, connection_id, ems_ref, name, cpus, memory_mb, disk_gb, created_at, updated_at
		 FROM flavors WHERE connection_id = ? ORDER BY ems_ref`, connectionID,
		func(row *sql.Rows) (inventory.Flavor, error) {
			var v inventory.Flavor
			err := row.Scan(&v.ID, &v.ConnectionID, &v.EmsRef, &v.Name, &v.CPUs, &v.MemoryMB, &v.DiskGB, &v.CreatedAt, &v.UpdatedAt)
			return v, err
		}); err != nil {
		return nil, err
	}

	if g.Zones, err = queryAll(ctx, q,
		`SELECT id, connection_id, ems_ref, name, created_at, updated_at
		 FROM availability_zones WHERE connection_id = ? ORDER BY ems_ref`, connectionID,
		func(row *sql.Rows) (inventory.AvailabilityZone, error) {
			var v inventory.AvailabilityZone
			err := row.Scan(&v.ID, &v.ConnectionID, &v.EmsRef, &v.Name, &v.CreatedAt, &v.UpdatedAt)
			return v, err
		}); err != nil {
		return nil, err
	}

	if g.Images, err = queryAll(ctx, q,
		`SELECT id, connection_id, ems_ref, name, os_type, created_at, updated_at
		 FROM images WHERE connection_id = ? ORDER BY ems_ref`, connectionID,
		func(row *sql.Rows) (inventory.Image, error) {
			var v inventory.Image
			err := row.Scan(&v.ID, &v.ConnectionID, &v.EmsRef, &v.Name, &v.OSType, &v.CreatedAt, &v.UpdatedAt)
			return v, err
		}); err != nil {
		return nil, err
	}

	return g, nil
}

func queryAll[T any](ctx context.Context, q querier, query, connectionID string, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inventory: %w", err)
	}
	return out, nil
}

// applyPlan writes a plan. Deletes run first so that a reference moving
// between rows of one kind cannot collide with the unique constraint.
func applyPlan(ctx context.Context, tx *sql.Tx, connectionID string, plan *inventory.Plan, now time.Time) error {
	for _, step := range []struct {
		table string
		ids   []string
	}{
		{"managed_resources", idsOf(plan.Resources.Delete, func(v inventory.ManagedResource) string { return v.ID })},
		{"resource_groups", idsOf(plan.ResourceGroups.Delete, func(v inventory.ResourceGroup) string { return v.ID })},
		{"flavors", idsOf(plan.Flavors.Delete, func(v inventory.Flavor) string { return v.ID })},
		{"availability_zones", idsOf(plan.Zones.Delete, func(v inventory.AvailabilityZone) string { return v.ID })},
		{"images", idsOf(plan.Images.Delete, func(v inventory.Image) string { return v.ID })},
	} {
		for _, id := range step.ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+step.table+` WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", step.table, err)
			}
		}
	}

	for _, v := range plan.ResourceGroups.Create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resource_groups (id, connection_id, ems_ref, name, location, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), connectionID, v.EmsRef, v.Name, v.Location, now, now); err != nil {
			return fmt.Errorf("failed to create resource group %s: %w", v.EmsRef, err)
		}
	}
	for _, v := range plan.ResourceGroups.Update {
		if _, err := tx.ExecContext(ctx,
			`UPDATE resource_groups SET name = ?, location = ?, updated_at = ? WHERE id = ?`,
			v.Name, v.Location, now, v.ID); err != nil {
			return fmt.Errorf("failed to update resource group %s: %w", v.EmsRef, err)
		}
	}

	for _, v := range plan.Resources.Create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO managed_resources (id, connection_id, ems_ref, name, resource_group, raw_power_state,
				flavor_ref, zone_ref, image_ref, ip_address, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), connectionID, v.EmsRef, v.Name, v.ResourceGroup, v.RawPowerState,
			v.FlavorRef, v.ZoneRef, v.ImageRef, v.IPAddress, now, now); err != nil {
			return fmt.Errorf("failed to create resource %s: %w", v.EmsRef, err)
		}
	}
	for _, v := range plan.Resources.Update {
		if _, err := tx.ExecContext(ctx,
			`UPDATE managed_resources SET name = ?, resource_group = ?, raw_power_state = ?, flavor_ref = ?,
				zone_ref = ?, image_ref = ?, ip_address = ?, updated_at = ?
			 WHERE id = ?`,
			v.Name, v.ResourceGroup, v.RawPowerState, v.FlavorRef, v.ZoneRef, v.ImageRef, v.IPAddress, now, v.ID); err != nil {
			return fmt.Errorf("failed to update resource %s: %w", v.EmsRef, err)
		}
	}

	for _, v := range plan.Flavors.Create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flavors (id, connection_id, ems_ref, name, cpus, memory_mb, disk_gb, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), connectionID, v.EmsRef, v.Name, v.CPUs, v.MemoryMB, v.DiskGB, now, now); err != nil {
			return fmt.Errorf("failed to create flavor %s: %w", v.EmsRef, err)
		}
	}
	for _, v := range plan.Flavors.Update {
		if _, err := tx.ExecContext(ctx,
			`UPDATE flavors SET name = ?, cpus = ?, memory_mb = ?, disk_gb = ?, updated_at = ? WHERE id = ?`,
			v.Name, v.CPUs, v.MemoryMB, v.DiskGB, now, v.ID); err != nil {
			return fmt.Errorf("failed to update flavor %s: %w", v.EmsRef, err)
		}
	}

	for _, v := range plan.Zones.Create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO availability_zones (id, connection_id, ems_ref, name, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), connectionID, v.EmsRef, v.Name, now, now); err != nil {
			return fmt.Errorf("failed to create availability zone %s: %w", v.EmsRef, err)
		}
	}
	for _, v := range plan.Zones.Update {
		if _, err := tx.ExecContext(ctx,
			`UPDATE availability_zones SET name = ?, updated_at = ? WHERE id = ?`, v.Name, now, v.ID); err != nil {
			return fmt.Errorf("failed to update availability zone %s: %w", v.EmsRef, err)
		}
	}

	for _, v := range plan.Images.Create {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO images (id, connection_id, ems_ref, name, os_type, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), connectionID, v.EmsRef, v.Name, v.OSType, now, now); err != nil {
			return fmt.Errorf("failed to create image %s: %w", v.EmsRef, err)
		}
	}
	for _, v := range plan.Images.Update {
		if _, err := tx.ExecContext(ctx,
			`UPDATE images SET name = ?, os_type = ?, updated_at = ? WHERE id = ?`, v.Name, v.OSType, now, v.ID); err != nil {
			return fmt.Errorf("failed to update image %s: %w", v.EmsRef, err)
		}
	}

	return nil
}

func idsOf[T any](items []T, id func(T) string) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, id(item))
	}
	return ids
}
