package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac/postgres"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

var (
	seedFile          string
	seedProtectedRole string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Provision the permission catalog and the protected role",
	Long: `Upserts every catalog permission by name and ensures the protected role exists.

Without --file the built-in ERP catalog is used. A catalog file is YAML:

  permissions:
    - name: finance.gl.view
      description: View the general ledger`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "YAML catalog file")
	seedCmd.Flags().StringVar(&seedProtectedRole, "protected-role", "superadmin", "name of the protected role (empty to skip)")
}

type catalogFile struct {
	Permissions []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"permissions"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	entries, err := loadCatalog(seedFile)
	if err != nil {
		return err
	}
	pool, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.NewRepository(pool).SeedCatalog(cmd.Context(), entries, seedProtectedRole); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d permissions\n", len(entries))
	return nil
}

func loadCatalog(path string) ([]postgres.CatalogEntry, error) {
	if path == "" {
		scopes := shared.DefaultScopes()
		entries := make([]postgres.CatalogEntry, len(scopes))
		for i, s := range scopes {
			entries[i] = postgres.CatalogEntry{Name: s.Name, Description: s.Description}
		}
		return entries, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCatalog(f)
}

func parseCatalog(r io.Reader) ([]postgres.CatalogEntry, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Permissions) == 0 {
		return nil, fmt.Errorf("parse catalog: no permissions listed")
	}
	entries := make([]postgres.CatalogEntry, len(file.Permissions))
	for i, p := range file.Permissions {
		entries[i] = postgres.CatalogEntry{Name: p.Name, Description: p.Description}
	}
	return entries, nil
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return db.New(ctx, cfg.PGDSN, cfg.PostgresOptions("odyssey-accessctl"))
}
