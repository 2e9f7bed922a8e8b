package pipeline

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayout_CreatesRunFolder(t *testing.T) {
	parent := t.TempDir()

	l, err := NewLayout(parent)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(l.Root), "petmoco-"))
	assert.DirExists(t, l.SplitDir)
	assert.DirExists(t, l.TransformsDir)
	assert.DirExists(t, l.CorrectedDir)
	assert.Equal(t, filepath.Join(l.Root, "provenance.db"), l.LedgerPath)
}

func TestNewLayout_DistinctPerRun(t *testing.T) {
	parent := t.TempDir()

	a, err := NewLayout(parent)
	require.NoError(t, err)
	b, err := NewLayout(parent)
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
}

func TestOpenLayout_ReusesExactPath(t *testing.T) {
	root := filepath.Join(t.TempDir(), "petmoco-run")

	l, err := OpenLayout(root)
	require.NoError(t, err)
	assert.Equal(t, root, l.Root)

	again, err := OpenLayout(root)
	require.NoError(t, err)
	assert.Equal(t, l.Root, again.Root)
}
