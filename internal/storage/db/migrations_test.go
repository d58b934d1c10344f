package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingMigrations(t *testing.T) {
	all, err := pendingMigrations(map[string]struct{}{})
	require.NoError(t, err)
	require.NotEmpty(t, all)
	require.Equal(t, "0001_init.sql", all[0])
	require.IsIncreasing(t, all)

	pending, err := pendingMigrations(map[string]struct{}{"0001_init.sql": {}})
	require.NoError(t, err)
	require.NotContains(t, pending, "0001_init.sql")
	require.Len(t, pending, len(all)-1)
}

func TestInitMigrationCreatesTables(t *testing.T) {
	content, err := fs.ReadFile(scheme, "scheme/0001_init.sql")
	require.NoError(t, err)

	sql := commentsRegExp.ReplaceAllString(string(content), "")
	require.NotContains(t, sql, "/*")
	for _, table := range []string{"migration", "users", "multisig_transaction", "multisig_confirmation"} {
		require.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}
