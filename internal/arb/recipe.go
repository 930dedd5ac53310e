package arb

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrBadRecipeList = errors.New("malformed recipe list")

// Pkgver records where the version of a recipe comes from. Recipes with a
// pkgver() function get their version only after extracting their sources.
type Pkgver struct {
	Func  bool
	Value string
}

// Recipe is one PKGBUILD repository to build.
type Recipe struct {
	Name string
	URL  string

	Commit  string
	Pkgver  Pkgver
	Deps    []string
	DepHash uint64
	ID      string
	Sources []Source

	extracted bool
}

// identity is name-commit-dephash, plus the pkgver when it comes from a
// pkgver() function.
func (r *Recipe) identity() string {
	id := fmt.Sprintf("%s-%s-%016x", r.Name, r.Commit, r.DepHash)
	if r.Pkgver.Func {
		id += "-" + r.Pkgver.Value
	}
	return id
}

// loadRecipes reads the YAML mapping of recipe names to git URLs, sorted by
// name.
func loadRecipes(path string) ([]*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe list: %w", err)
	}
	return parseRecipes(data)
}

func parseRecipes(data []byte) ([]*Recipe, error) {
	var list map[string]string
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecipeList, err)
	}
	recipes := make([]*Recipe, 0, len(list))
	for name, url := range list {
		if name == "" || url == "" {
			return nil, fmt.Errorf("%w: empty name or url for %q", ErrBadRecipeList, name)
		}
		if name == "updated" || name == "latest" || name == "." || name == ".." {
			return nil, fmt.Errorf("%w: reserved recipe name %q", ErrBadRecipeList, name)
		}
		for _, c := range name {
			if c == '/' {
				return nil, fmt.Errorf("%w: recipe name %q contains a slash", ErrBadRecipeList, name)
			}
		}
		recipes = append(recipes, &Recipe{Name: name, URL: url})
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Name < recipes[j].Name })
	return recipes, nil
}
