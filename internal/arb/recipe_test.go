package arb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipesSorted(t *testing.T) {
	recipes, err := parseRecipes([]byte(`
zstd-git: https://aur.archlinux.org/zstd-git.git
bash-static: https://aur.archlinux.org/bash-static.git
`))
	require.NoError(t, err)
	require.Len(t, recipes, 2)
	assert.Equal(t, "bash-static", recipes[0].Name)
	assert.Equal(t, "https://aur.archlinux.org/bash-static.git", recipes[0].URL)
	assert.Equal(t, "zstd-git", recipes[1].Name)
}

func TestParseRecipesRejects(t *testing.T) {
	for _, data := range []string{
		"- a\n- b\n",
		"updated: https://example.org/x.git\n",
		"latest: https://example.org/x.git\n",
		"a/b: https://example.org/x.git\n",
		"empty: \"\"\n",
	} {
		_, err := parseRecipes([]byte(data))
		assert.ErrorIs(t, err, ErrBadRecipeList, data)
	}
}

func TestLoadRecipesMissingFile(t *testing.T) {
	_, err := loadRecipes(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRecipeIdentity(t *testing.T) {
	r := &Recipe{Name: "demo", Commit: "0123abcd", DepHash: 0xfeed}
	assert.Equal(t, "demo-0123abcd-000000000000feed", r.identity())
	assert.Equal(t, r.identity(), r.identity(), "identity is stable")

	r.Pkgver = Pkgver{Func: true, Value: "1.2.r3"}
	assert.Equal(t, "demo-0123abcd-000000000000feed-1.2.r3", r.identity())
}
