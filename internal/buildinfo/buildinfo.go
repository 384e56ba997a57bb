// Package buildinfo identifies the running binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Version and Commit are stamped with -ldflags "-X". Without a stamp the
// commit is taken from the VCS information of the Go build.
var (
	Version = "dev"
	Commit  = ""
)

func commit() string {
	if Commit != "" {
		return Commit
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				return s.Value[:12]
			}
		}
	}
	return "unknown"
}

// Short is the version, or the commit for development builds.
func Short() string {
	if Version != "dev" {
		return Version
	}
	return commit()
}

// String is the line printed by "safertos version".
func String() string {
	return fmt.Sprintf("safertos %s (commit %s)", Version, commit())
}
