package arb

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/arb.conf; a missing file yields an empty config.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, val, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			cfg.Values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"'`)
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// Merge ARB_* and R2_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "ARB_") && !strings.HasPrefix(env, "R2_") {
			continue
		}
		if key, val, ok := strings.Cut(env, "="); ok {
			cfg.Values[key] = val
		}
	}
}

func (c *Config) get(key, def string) string {
	if v := c.Values[key]; v != "" {
		return v
	}
	return def
}

func (c *Config) getInt(key string, def int) int {
	v := c.Values[key]
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		cPrintf(colWarn, "Warning: ignoring invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func (c *Config) getBool(key string) bool {
	switch strings.ToLower(c.Values[key]) {
	case "1", "yes", "true":
		return true
	}
	return false
}

// Settings is the resolved configuration of one run. Command line flags are
// applied on top of it by the CLI.
type Settings struct {
	Workdir       string
	PkgbuildsFile string
	Proxy         string
	GitMirror     string
	BasePkgs      []string
	FetchJobs     int
	BuildJobs     int
	CleanJobs     int
	BuildTries    int
	NativeHTTP    bool
	Sign          bool

	HoldPkg bool
	HoldGit bool
	SkipInt bool
	NoClean bool
	NoNet   bool
	Upload  bool
}

func initSettings(cfg *Config) Settings {
	s := Settings{
		Workdir:       cfg.get("ARB_WORKDIR", "."),
		PkgbuildsFile: cfg.get("ARB_PKGBUILDS", "pkgbuilds.yaml"),
		Proxy:         cfg.Values["ARB_PROXY"],
		GitMirror:     strings.TrimRight(cfg.Values["ARB_GMR"], "/"),
		BasePkgs:      strings.Fields(cfg.get("ARB_BASE_PKGS", "base-devel")),
		FetchJobs:     cfg.getInt("ARB_FETCH_JOBS", defaultFetchJobs),
		BuildJobs:     cfg.getInt("ARB_BUILD_JOBS", defaultBuildJobs),
		CleanJobs:     cfg.getInt("ARB_CLEAN_JOBS", defaultCleanJobs),
		BuildTries:    cfg.getInt("ARB_BUILD_TRIES", defaultBuildTries),
		NativeHTTP:    cfg.get("ARB_HTTP", "curl") == "native",
		Sign:          cfg.getBool("ARB_SIGN"),
	}
	if cfg.getBool("ARB_DEBUG") {
		Debug = true
	}
	if s.GitMirror != "" {
		debugf("=> Using git mirror: %s\n", s.GitMirror)
	}
	return s
}
