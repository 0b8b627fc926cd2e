package uxfsd

import "fmt"

// Config is the bridge's parsed, validated command-line configuration
// (component I), grounded on original_source/uxfs.c's getopt loop and on
// the flag-parsing idiom of the vendored fuse package's own sample mount
// commands (stdlib flag only, no cobra/pflag/viper).
type Config struct {
	MountPoint     string
	ControllerArgv []string

	Foreground     bool
	Debug          bool
	Verbosity      int
	SingleThreaded bool

	// AllowOther mirrors the repeatable -o flag: 0 = default, 1 = allow-root,
	// 2 = allow-other. Each occurrence increments the level by one.
	AllowOther int

	// Dbg is the numeric level parsed from a bare "dbg=<N>" positional
	// token, as accepted by the original CLI alongside its flag options.
	Dbg int
}

// Validate checks the invariants Bootstrap (component G) relies on before
// spawning the controller and mounting.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("a mount point is required")
	}
	if len(c.ControllerArgv) == 0 {
		return fmt.Errorf("a controller program is required")
	}
	if c.AllowOther < 0 || c.AllowOther > 2 {
		return fmt.Errorf("invalid allow-other level %d", c.AllowOther)
	}
	if c.Verbosity < 0 {
		return fmt.Errorf("invalid verbosity %d", c.Verbosity)
	}
	return nil
}
