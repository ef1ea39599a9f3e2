package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		searchCmd := cmd.Commands()

		found := false
		for _, c := range searchCmd {
			if c.Name() == "search" {
				found = true
				break
			}
		}
		assert.True(t, found, "search command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"search", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Search the memory index")
		assert.Contains(t, helpText, "--max-results")
		assert.Contains(t, helpText, "--min-score")
	})

	t.Run("requires a query argument", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"search"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetErr(output)

		err := cmd.Execute()
		assert.Error(t, err)
	})
}
