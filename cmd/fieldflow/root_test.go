package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "run-once")
	assert.Contains(t, names, "explain")
}

func TestExplainCommand_RequiresExactlyOneInput(t *testing.T) {
	// ARRANGE
	t.Setenv("SQLITE_PATH", ":memory:")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"explain"})

	// ACT
	err := cmd.Execute()

	// ASSERT
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --seed or --task")
}

func TestRunOnceCommand_EmptyQueue(t *testing.T) {
	// ARRANGE
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run-once", "--limit", "5"})

	// ACT
	err := cmd.Execute()

	// ASSERT
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"claimed": 0`)
}
