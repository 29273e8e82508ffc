package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_New_RegistersEverySubcommand(t *testing.T) {
	root := New("overseer")

	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Contains(t, names, "load")
	assert.Contains(t, names, "start")
	assert.Contains(t, names, "stop")
	assert.Contains(t, names, "restart")
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "list")
	assert.Contains(t, names, "ps")
	assert.Contains(t, names, "env")
}

func Test_New_EnvSubcommands(t *testing.T) {
	root := New("overseer")

	found := false
	for _, c := range root.Commands() {
		if c.Name() != "env" {
			continue
		}

		found = true

		sub := make([]string, 0)
		for _, s := range c.Commands() {
			sub = append(sub, s.Name())
		}

		assert.Contains(t, sub, "set")
		assert.Contains(t, sub, "unset")
	}

	assert.True(t, found)
}

func Test_Execute_UnknownCommand_ReturnsNonZero(t *testing.T) {
	code := Execute("overseer", []string{"bogus-command"})
	assert.Equal(t, 1, code)
}

func Test_Execute_MissingArgs_ReturnsNonZero(t *testing.T) {
	code := Execute("overseer", []string{"status"})
	assert.Equal(t, 1, code)
}
