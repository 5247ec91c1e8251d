package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// CatalogEntry is a permission to provision.
type CatalogEntry struct {
	Name        string
	Description string
}

// EnsurePermission inserts the permission or refreshes its description.
func (r *Repository) EnsurePermission(ctx context.Context, name, description string) (rbac.Permission, error) {
	var perm rbac.Permission
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, description)
		VALUES ($1, $2)
		ON CONFLICT (LOWER(name)) DO UPDATE SET description = EXCLUDED.description
		RETURNING id, name, description`, strings.TrimSpace(name), description).
		Scan(&perm.ID, &perm.Name, &perm.Description)
	return perm, err
}

// SeedCatalog provisions the permission catalog and the protected role in one transaction.
// Validation runs first so a malformed entry aborts before anything is written.
func (r *Repository) SeedCatalog(ctx context.Context, entries []CatalogEntry, protectedRole string) error {
	perms := make([]rbac.Permission, len(entries))
	for i, e := range entries {
		perms[i] = rbac.Permission{ID: int64(i + 1), Name: e.Name, Description: e.Description}
	}
	if _, err := rbac.NewCatalog(perms); err != nil {
		return err
	}

	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			if _, err := tx.Exec(ctx, `
				INSERT INTO permissions (name, description)
				VALUES ($1, $2)
				ON CONFLICT (LOWER(name)) DO UPDATE SET description = EXCLUDED.description`,
				strings.TrimSpace(e.Name), e.Description); err != nil {
				return err
			}
		}
		if protectedRole == "" {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO roles (name, description, protected)
			VALUES ($1, 'Full access to every module', TRUE)
			ON CONFLICT (LOWER(name)) DO UPDATE SET protected = TRUE, updated_at = NOW()`, protectedRole)
		return err
	})
}
