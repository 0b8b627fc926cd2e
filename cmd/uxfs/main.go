// Command uxfs mounts an external controller program as a FUSE filesystem.
//
// Usage: uxfs <mount-point> <controller> [controller-args...] [flags]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	bazilfuse "bazil.org/fuse"
	"github.com/jacobsa/timeutil"

	fuse "github.com/uxfs-project/uxfs"
	"github.com/uxfs-project/uxfs/internal/uxfsd"
)

// repeatCount is a flag.Value that increments by one on each occurrence,
// used for -v and -o which are meaningful when repeated (spec.md §6).
type repeatCount int

func (r *repeatCount) String() string {
	if r == nil {
		return "0"
	}
	return strconv.Itoa(int(*r))
}

func (r *repeatCount) Set(string) error {
	*r++
	return nil
}

func (r *repeatCount) IsBoolFlag() bool { return true }

func parseConfig(args []string) (*uxfsd.Config, error) {
	fs := flag.NewFlagSet("uxfs", flag.ContinueOnError)

	foreground := fs.Bool("f", false, "run in the foreground")
	debug := fs.Bool("d", false, "enable debug trace on stderr")
	single := fs.Bool("s", false, "single-threaded dispatch")

	var verbosity repeatCount
	fs.Var(&verbosity, "v", "increase verbosity (repeatable)")

	var allowOther repeatCount
	fs.Var(&allowOther, "o", "allow other users (repeatable: once=allow-root, twice=allow-other)")

	var positional []string
	dbg := 0
	rest := args
	for {
		// Parse stops at the first positional argument; resume after it so
		// flags may also follow the mount point and controller argv.
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		a := rest[0]
		rest = rest[1:]
		if strings.HasPrefix(a, "dbg=") {
			n, err := strconv.Atoi(strings.TrimPrefix(a, "dbg="))
			if err != nil {
				return nil, fmt.Errorf("invalid dbg= token %q: %w", a, err)
			}
			dbg = n
			continue
		}
		positional = append(positional, a)
	}

	cfg := &uxfsd.Config{
		Foreground:     *foreground,
		Debug:          *debug,
		Verbosity:      int(verbosity),
		SingleThreaded: *single,
		AllowOther:     int(allowOther),
		Dbg:            dbg,
	}

	if len(positional) > 0 {
		cfg.MountPoint = positional[0]
	}
	if len(positional) > 1 {
		cfg.ControllerArgv = positional[1:]
	}

	return cfg, cfg.Validate()
}

// startController spawns the controller argv with the mount point and pid
// exported as environment variables, per spec.md §4.D, wiring its stdin and
// stdout to a new Channel.
func startController(cfg *uxfsd.Config, logger *uxfsd.Logger) (*exec.Cmd, *uxfsd.Channel, error) {
	cmd := exec.Command(cfg.ControllerArgv[0], cfg.ControllerArgv[1:]...)
	cmd.Env = append(os.Environ(),
		"UXFS_MOUNT_POINT="+cfg.MountPoint,
		"UXFS_PID="+strconv.Itoa(os.Getpid()),
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("StdinPipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("StdoutPipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting controller %v: %w", cfg.ControllerArgv, err)
	}

	return cmd, uxfsd.NewChannel(stdout, stdin, logger), nil
}

func run() error {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		return err
	}

	// The vendored fuse package gates its dispatcher trace on the global
	// -fuse.debug flag and requires the global flag set to be parsed before
	// Serve builds its logger; -d turns that trace on.
	if cfg.Debug {
		_ = flag.Set("fuse.debug", "true")
	}
	_ = flag.CommandLine.Parse(nil)

	logger := uxfsd.NewLogger("uxfs", cfg.Verbosity)
	if cfg.Dbg > 0 && cfg.Verbosity < 2 {
		logger = uxfsd.NewLogger("uxfs", 2)
	}

	cmd, channel, err := startController(cfg, logger)
	if err != nil {
		return err
	}

	table := uxfsd.NewTable(time.Now())

	exitCh := make(chan struct{})
	var exitOnce sync.Once
	exit := func() {
		exitOnce.Do(func() { close(exitCh) })
	}

	br := uxfsd.NewBridge(table, channel, timeutil.RealClock(), logger, exit)
	br.Uid = uint32(os.Getuid())
	br.Gid = uint32(os.Getgid())
	br.PropagateOtherUsers = cfg.AllowOther >= 2

	fs := uxfsd.NewFS(br)

	go func() {
		<-exitCh
		logger.Infof("shutting down")
		_ = cmd.Process.Kill()
		if err := bazilfuse.Unmount(cfg.MountPoint); err != nil {
			logger.Errorf("unmount %s: %v", cfg.MountPoint, err)
		}
	}()

	var mountOpts []bazilfuse.MountOption
	if cfg.AllowOther >= 1 {
		mountOpts = append(mountOpts, bazilfuse.AllowRoot())
	}
	if cfg.AllowOther >= 2 {
		mountOpts = append(mountOpts, bazilfuse.AllowOther())
	}

	serveOpts := fuse.ServeOptions{SingleThreaded: cfg.SingleThreaded}
	return fuse.Serve(cfg.MountPoint, fs, serveOpts, mountOpts...)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "uxfs: -ERR: %v\n", err)
		os.Exit(1)
	}
}
