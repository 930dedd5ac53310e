package arb

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymlinkForceReplaces(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "latest")
	require.NoError(t, symlinkForce("one", link))
	require.NoError(t, symlinkForce("two", link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "two", target)
	assert.NoFileExists(t, link+".arb-tmp")
}

func TestCloneFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "data")
	writeFile(t, dst, "stale")
	require.NoError(t, cloneFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestWithFileLockSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			withFileLock(path, func() error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
	assert.FileExists(t, path+".lock")
}

func TestWithFileLockKeepsLockInode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")
	require.NoError(t, withFileLock(path, func() error { return nil }))
	first, err := os.Stat(path + ".lock")
	require.NoError(t, err)

	require.NoError(t, withFileLock(path, func() error { return nil }))
	second, err := os.Stat(path + ".lock")
	require.NoError(t, err)
	assert.True(t, os.SameFile(first, second), "every run locks the same inode")
}
