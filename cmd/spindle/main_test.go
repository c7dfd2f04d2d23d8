package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"start_urls=https://example.com/?a=1", "max_depth=2", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"start_urls": "https://example.com/?a=1",
		"max_depth":  "2",
		"empty":      "",
	}, args)

	_, err = parseArgs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"=value"})
	assert.Error(t, err)
}

func TestRootCommandRegistersRoles(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"master", "fetcher", "agent", "crawl", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}
