package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayCmd_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"action":"jump","time":100}`+"\n"+
			`{"action":"run","time":75}`+"\n"+
			`GARBAGE`+"\n"+
			`{"action":"jump","time":200}`+"\n",
	), 0o644))

	var out bytes.Buffer

	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"replay", "--workers", "4", "--log-level", "error", path})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, `[{"action":"jump","avg":150},{"action":"run","avg":75}]`+"\n", out.String())
}

func TestReplayCmd_Stdin(t *testing.T) {
	var out bytes.Buffer

	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"action":"a<b","time":1}`))
	cmd.SetArgs([]string{"replay", "--log-level", "error", "-"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, `[{"action":"a<b","avg":1}]`+"\n", out.String())
}

func TestReplayCmd_MissingFile(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"replay", "--log-level", "error", filepath.Join(t.TempDir(), "missing")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening")
}

func TestRootCmd_RequiresConfig(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	require.Error(t, cmd.Execute())
}
