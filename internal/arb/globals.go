package arb

import (
	"embed"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// 1 while a privilege token is held; the signal handler refuses a graceful
// exit then, so a root is never left half mounted.
var isCriticalAtomic atomic.Int32

var (
	Debug      bool
	ConfigFile = "/etc/arb.conf"
	version    = "dev"     // overridden at build time
	buildDate  = "unknown" // overridden at build time

	//go:embed scripts/*.bash
	embeddedScripts embed.FS
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// Fixed limits of the run, overridable through the config file.
const (
	defaultFetchJobs  = 10
	defaultBuildJobs  = 5
	defaultCleanJobs  = 30
	defaultBuildTries = 3
)
