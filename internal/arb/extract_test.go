package arb

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractChecksOutAndLinksSources(t *testing.T) {
	requireGit(t)
	upstream := upstreamRepo(t, map[string]string{"PKGBUILD": "pkgname=demo\n", "local.patch": "--- a\n"})
	layout := testLayout(t)
	id, _ := testIdentity(t)

	var extractDir string
	runner := &fakeRunner{handle: func(cmd *exec.Cmd) error {
		if cmd.Args[0] == "bash" {
			// makepkg itself is not run here
			extractDir = cmd.Args[len(cmd.Args)-1]
			return nil
		}
		return directRunner{}.Run(cmd)
	}}
	g := &gitClient{Runner: runner}
	require.NoError(t, g.sync(layout.PkgbuildRepo("demo"), upstream, pkgbuildRefspecs))

	netfile := digestSource(t, "https://example.org/demo-1.tar.gz", "md5sum:"+testMD5, "sha256sum:"+testSHA256)
	git := mustSource(t, "git\tgit+https://github.com/a/b.git#tag=v1\tb")
	local := mustSource(t, "local\tlocal.patch\tlocal.patch")
	r := &Recipe{Name: "demo", Sources: []Source{netfile, git, local}}

	x := &extractor{Layout: layout, Identity: id, Git: g, User: runner}
	writeFile(t, filepath.Join(layout.BuildDir("demo"), "leftover"), "from a previous run")
	require.NoError(t, x.extract(r, os.Stdout))
	assert.True(t, r.extracted)

	dir := layout.BuildDir("demo")
	assert.Equal(t, dir, extractDir)
	assert.FileExists(t, filepath.Join(dir, "PKGBUILD"))
	assert.FileExists(t, filepath.Join(dir, "local.patch"))
	assert.NoFileExists(t, filepath.Join(dir, "leftover"))

	target, err := os.Readlink(filepath.Join(dir, "demo-1.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", "sources", "file-sha256", testSHA256), target)

	target, err = os.Readlink(filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "..", "sources", "git", filepath.Base(layout.GitRepo(git.URLHash))), target)
}
