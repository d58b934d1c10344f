package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Migration struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

// undefined_table
const undefinedTableCode = "42P01"

//go:embed scheme
var scheme embed.FS

var commentsRegExp = regexp.MustCompile(`(?s)/\*.*?\*/`)

func (s *storage) executeMigrations(ctx context.Context, db *sqlx.DB) error {
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migrations transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now().UnixNano()
	for _, name := range pending {
		content, err := fs.ReadFile(scheme, path.Join("scheme", name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, commentsRegExp.ReplaceAllString(string(content), "")); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO migration (name, created_at) VALUES(?, ?)`), name, now); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations transaction: %w", err)
	}

	return nil
}

func appliedMigrations(ctx context.Context, db *sqlx.DB) (map[string]struct{}, error) {
	var rows []Migration
	if err := db.SelectContext(ctx, &rows, `SELECT id, name, created_at FROM migration`); err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != undefinedTableCode {
			return nil, fmt.Errorf("failed to list applied migrations: %w", err)
		}
	}

	applied := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		applied[row.Name] = struct{}{}
	}
	return applied, nil
}

// pendingMigrations lists the embedded scripts not yet applied, in name order.
func pendingMigrations(applied map[string]struct{}) ([]string, error) {
	entries, err := fs.ReadDir(scheme, "scheme")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	var pending []string
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		if _, ok := applied[entry.Name()]; ok {
			continue
		}
		pending = append(pending, entry.Name())
	}
	sort.Strings(pending)

	return pending, nil
}
