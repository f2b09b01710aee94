package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesCLITable(t *testing.T) {
	c := Default()
	assert.True(t, c.FollowThreads)
	assert.True(t, c.FollowChildren)
	assert.False(t, c.Jail)
	assert.True(t, c.Backtrace)
	assert.False(t, c.Authorizer)
	assert.True(t, c.Learn)
	assert.Equal(t, "nfatrace.nfa", c.NFAPath)
	assert.Equal(t, "nfatrace.assoc", c.AssociationsPath)
}

func TestFileDefaultsApplyOnlyOverridesSetFields(t *testing.T) {
	jail := true
	nfa := "custom.nfa"
	fd := FileDefaults{Jail: &jail, NFAPath: &nfa}

	merged := fd.Apply(Default())
	assert.True(t, merged.Jail)
	assert.Equal(t, "custom.nfa", merged.NFAPath)
	// untouched fields retain their default.
	assert.True(t, merged.FollowThreads)
	assert.Equal(t, "nfatrace.assoc", merged.AssociationsPath)
}

func TestLoadFileParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.toml")
	require.NoError(t, os.WriteFile(path, []byte("follow_threads = false\nnfa = \"loaded.nfa\"\n"), 0644))

	fd, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, fd.FollowThreads)
	assert.False(t, *fd.FollowThreads)
	require.NotNil(t, fd.NFAPath)
	assert.Equal(t, "loaded.nfa", *fd.NFAPath)
	assert.Nil(t, fd.Jail)
}
