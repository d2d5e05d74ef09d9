package main

import (
	"bytes"
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPositional(t *testing.T) {
	tests := []struct {
		args           []string
		wantPositional []string
		wantRest       []string
	}{
		{nil, nil, nil},
		{[]string{"2"}, []string{"2"}, nil},
		{[]string{"-1", "--db-type", "sqlite"}, []string{"-1"}, []string{"--db-type", "sqlite"}},
		{[]string{"--config", "x.yaml"}, []string{}, []string{"--config", "x.yaml"}},
	}
	for _, tt := range tests {
		pos, rest := splitPositional(tt.args)
		assert.Equal(t, len(tt.wantPositional), len(pos), "%v", tt.args)
		assert.Equal(t, tt.wantRest, rest, "%v", tt.args)
	}
}

func TestMigrateCommand_SQLite(t *testing.T) {
	url := "file:" + filepath.Join(t.TempDir(), "market.db") + "?mode=rwc&_pragma=foreign_keys(1)"
	flags := []string{"--db-type", "sqlite", "--db-url", url}

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		require.NoError(t, migrateCommand(t.Context(), append(args, flags...), &out))
		return out.String()
	}

	run("up")
	assert.Contains(t, run("version"), "Current version: 3")

	run("steps", "-2")
	assert.Contains(t, run("version"), "Current version: 1")

	run("goto", "3")
	assert.Contains(t, run("status"), "Applied: 3")

	run("reset")
	assert.Contains(t, run("status"), "Applied: 0")
}

func TestMigrateCommand_Errors(t *testing.T) {
	var out bytes.Buffer

	err := migrateCommand(t.Context(), nil, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Subcommands:")

	out.Reset()
	err = migrateCommand(t.Context(), []string{"help"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)

	out.Reset()
	err = migrateCommand(t.Context(), []string{"up", "--no-such-flag"}, &out)
	assert.Error(t, err)
}
