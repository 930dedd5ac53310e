package arb

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: arb [command] [flags]")
	colSuccess.Println("Without a command arb builds every recipe of the recipe list")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build, b", "[flags]", "Sync, fetch and build every recipe (default)"},
		{"log", "<recipe>", "Show the newest build log of a recipe"},
		{"info", "<identity>", "List the artifacts of a published package"},
		{"clean", "[-config file]", "Unmount and remove leftover roots and build directories"},
		{"version, --version", "", "Version information"},
		{"help, -h", "", "Show this help"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		maxLen = max(maxLen, length)
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		usage := "  " + c.Cmd
		if c.Args != "" {
			usage += " " + c.Args
		}
		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}
		fmt.Print(strings.Repeat(" ", max(columnWidth-len(usage), 1)))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
	color.Info.Println("Build flags:")
	newBuildFlags().fs.PrintDefaults()
}

type buildFlags struct {
	fs      *flag.FlagSet
	holdPkg *bool
	holdGit *bool
	skipInt *bool
	noClean *bool
	noNet   *bool
	upload  *bool
	debug   *bool
	proxy   *string
	config  *string
}

func newBuildFlags() *buildFlags {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	return &buildFlags{
		fs:      fs,
		holdPkg: fs.Bool("holdpkg", false, "Do not sync PKGBUILD repositories that are already healthy"),
		holdGit: fs.Bool("holdgit", false, "Do not sync git sources that are already mirrored"),
		skipInt: fs.Bool("skipint", false, "Trust cached files without verifying their digests"),
		noClean: fs.Bool("noclean", false, "Keep unused sources and package directories"),
		noNet:   fs.Bool("nonet", false, "Build without network access"),
		upload:  fs.Bool("upload", false, "Upload newly built packages to R2"),
		debug:   fs.Bool("debug", false, "Verbose output"),
		proxy:   fs.String("proxy", "", "Proxy for fetches and git (overrides ARB_PROXY)"),
		config:  fs.String("config", ConfigFile, "Configuration file"),
	}
}

// settings loads the configuration and lays the flags over it.
func (f *buildFlags) settings() (Settings, *Config, error) {
	if *f.debug {
		Debug = true
	}
	cfg, err := loadConfig(*f.config)
	if err != nil {
		return Settings{}, nil, fmt.Errorf("failed to load %s: %w", *f.config, err)
	}
	s := initSettings(cfg)
	s.HoldPkg = *f.holdPkg
	s.HoldGit = *f.holdGit
	s.SkipInt = *f.skipInt
	s.NoClean = *f.noClean
	s.NoNet = *f.noNet
	s.Upload = *f.upload
	if *f.proxy != "" {
		s.Proxy = *f.proxy
	}
	return s, cfg, nil
}

// handleSignals cancels ctx on the first signal and exits on the second.
// While a privilege token is held the first signal only warns, so mounts are
// never abandoned halfway.
func handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigs:
			if isCriticalAtomic.Load() == 1 {
				colArrow.Print("\n-> ")
				colError.Printf("Mount or root operation in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					colError.Printf("Forced immediate exit.\n")
					os.Exit(130)
				case <-time.After(5 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling, roots are torn down before exit\n", sig)
			cancel()
			// the pipeline unwinds on its own; only a second signal exits early
			<-sigs
			if isCriticalAtomic.Load() == 1 {
				colArrow.Print("\n-> ")
				colError.Printf("Teardown in progress, press Ctrl+C again to abandon it.\n")
				<-sigs
			}
			colArrow.Print("\n-> ")
			color.Danger.Printf("Second interrupt received. Forcing immediate exit.\n")
			os.Exit(130)

		case <-ctx.Done():
			return
		}
	}
}

// becomeUser makes sure the process runs through sudo and then drops to the
// invoking user, keeping root as the saved uid.
func becomeUser() (*Identity, error) {
	if os.Geteuid() != 0 {
		if err := reexecWithSudo(os.Args[1:]); err != nil {
			return nil, err
		}
	}
	id, err := sudoIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.dropToUser(); err != nil {
		return nil, fmt.Errorf("failed to drop privileges: %w", err)
	}
	debugf("Running as %s (%d:%d)\n", id.Name, id.Uid, id.Gid)
	return id, nil
}

// Main is the CLI entrypoint for cmd/arb.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel)

	cmd, args := "build", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "build", "b":
		err = runBuild(ctx, args)
	case "log":
		err = runLog(args)
	case "info":
		err = runInfo(args)
	case "clean":
		err = runClean(ctx, args)
	case "version", "--version":
		fmt.Printf("arb %s (built %s)\n", version, buildDate)
	case "help", "-h", "--help":
		printHelp()
	default:
		colError.Printf("Unknown command: %s\n", cmd)
		printHelp()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		colArrow.Print("-> ")
		colError.Printf("%v\n", err)
		cancel()
		os.Exit(1)
	}
}

func runBuild(ctx context.Context, args []string) error {
	f := newBuildFlags()
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	if f.fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(f.fs.Args(), " "))
	}
	s, cfg, err := f.settings()
	if err != nil {
		return err
	}
	id, err := becomeUser()
	if err != nil {
		return err
	}
	p, err := newPipeline(ctx, s, cfg, id)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

// configOnly parses the flags of the subcommands that only need settings.
func configOnly(name string, args []string) (Settings, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", ConfigFile, "Configuration file")
	debug := fs.Bool("debug", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		return Settings{}, nil, err
	}
	Debug = Debug || *debug
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return Settings{}, nil, fmt.Errorf("failed to load %s: %w", *configPath, err)
	}
	return initSettings(cfg), fs.Args(), nil
}

func runLog(args []string) error {
	s, rest, err := configOnly("log", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: arb log <recipe>")
	}
	layout, err := NewLayout(s.Workdir)
	if err != nil {
		return err
	}
	path, err := latestLog(layout.Logs(rest[0]))
	if err != nil {
		return err
	}
	text, err := readXZ(path)
	if err != nil {
		return err
	}
	return RunPager(path, strings.Split(strings.TrimRight(text, "\n"), "\n"))
}

func runInfo(args []string) error {
	s, rest, err := configOnly("info", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("usage: arb info <identity>")
	}
	layout, err := NewLayout(s.Workdir)
	if err != nil {
		return err
	}
	return describePackage(&publisher{Layout: layout}, rest[0])
}

func runClean(ctx context.Context, args []string) error {
	s, rest, err := configOnly("clean", args)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errors.New("usage: arb clean")
	}
	id, err := becomeUser()
	if err != nil {
		return err
	}
	layout, err := NewLayout(s.Workdir)
	if err != nil {
		return err
	}
	roots := &rootBuilder{
		Layout:   layout,
		Sys:      linuxSys{},
		Identity: id,
		Runner:   NewExecutor(ctx, id).Root(),
	}
	stepf(colInfo, "Removing roots under %s\n", layout.Roots())
	if err := roots.cleanRoots(); err != nil {
		return err
	}
	stepf(colInfo, "Removing %s\n", layout.Build())
	return id.AsUser(func() error { return removeDirAllBest(layout.Build()) })
}
