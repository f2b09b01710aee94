// Package config holds the merged runtime configuration for the
// supervisor: hardcoded defaults, an optional TOML defaults file, and
// CLI flags layered on top in that order.
package config

import "github.com/BurntSushi/toml"

// Config is the fully resolved configuration for one run, matching the
// CLI surface table (pid/run, follow-threads, follow-children, jail,
// backtrace, authorizer, learn, nfa, associations, dot).
type Config struct {
	Pid int      // attach to this task; mutually exclusive with Run
	Run []string // fork/exec Run[0] with Run[1:] as its argv

	FollowThreads  bool
	FollowChildren bool
	Jail           bool
	Backtrace      bool

	Authorizer bool
	Learn      bool

	NFAPath          string
	AssociationsPath string
	DotPath          string

	Verbose bool
}

// Default returns the baseline configuration before any file or flag
// override is applied.
func Default() Config {
	return Config{
		FollowThreads:    true,
		FollowChildren:   true,
		Backtrace:        true,
		Learn:            true,
		NFAPath:          "nfatrace.nfa",
		AssociationsPath: "nfatrace.assoc",
	}
}

// FileDefaults is the subset of Config a TOML defaults file may
// override. Pointer fields distinguish "absent from the file" from
// "explicitly set to the zero value".
type FileDefaults struct {
	FollowThreads  *bool   `toml:"follow_threads"`
	FollowChildren *bool   `toml:"follow_children"`
	Jail           *bool   `toml:"jail"`
	Backtrace      *bool   `toml:"backtrace"`
	Authorizer     *bool   `toml:"authorizer"`
	Learn          *bool   `toml:"learn"`
	NFAPath        *string `toml:"nfa"`
	AssociationsPath *string `toml:"associations"`
	DotPath        *string `toml:"dot"`
}

// LoadFile reads a TOML defaults file from path.
func LoadFile(path string) (FileDefaults, error) {
	var f FileDefaults
	_, err := toml.DecodeFile(path, &f)
	return f, err
}

// Apply layers f's set fields onto c, returning the merged result.
// CLI flags are applied after Apply and always take precedence.
func (f FileDefaults) Apply(c Config) Config {
	if f.FollowThreads != nil {
		c.FollowThreads = *f.FollowThreads
	}
	if f.FollowChildren != nil {
		c.FollowChildren = *f.FollowChildren
	}
	if f.Jail != nil {
		c.Jail = *f.Jail
	}
	if f.Backtrace != nil {
		c.Backtrace = *f.Backtrace
	}
	if f.Authorizer != nil {
		c.Authorizer = *f.Authorizer
	}
	if f.Learn != nil {
		c.Learn = *f.Learn
	}
	if f.NFAPath != nil {
		c.NFAPath = *f.NFAPath
	}
	if f.AssociationsPath != nil {
		c.AssociationsPath = *f.AssociationsPath
	}
	if f.DotPath != nil {
		c.DotPath = *f.DotPath
	}
	return c
}
