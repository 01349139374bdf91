package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListMigrationsMarksState(t *testing.T) {
	rows, err := listMigrations(filepath.Join("..", "..", "migrations"), 2, false)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, migrationRow{Version: 1, State: "applied", Name: "create_plan_records"}, rows[0])
	assert.Equal(t, migrationRow{Version: 2, State: "applied", Name: "create_billing_events"}, rows[1])
	assert.Equal(t, "pending", rows[2].State)
	assert.Equal(t, "create_billing_plan_mappings", rows[3].Name)

	rows, err = listMigrations(filepath.Join("..", "..", "migrations"), 3, true)
	require.NoError(t, err)
	assert.Equal(t, "applied", rows[1].State)
	assert.Equal(t, "dirty", rows[2].State)
	assert.Equal(t, "pending", rows[3].State)
}

func TestListMigrationsSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000001_init.up.sql", "000001_init.down.sql", "notes.up.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
	}

	rows, err := listMigrations(dir, 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, migrationRow{Version: 1, State: "pending", Name: "init"}, rows[0])
}

func TestRunRejectsBadArguments(t *testing.T) {
	for _, args := range [][]string{
		{"down", "zero"},
		{"down", "-2"},
		{"goto"},
		{"force", "v3"},
		{"sideways"},
	} {
		assert.Error(t, run(nil, "migrations", args), args)
	}
}
