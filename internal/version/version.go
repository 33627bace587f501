package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the semantic version of the build.
	Version = "dev"
	// Commit is the short git SHA embedded at build time.
	Commit = ""
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = ""
)

const shortCommitLength = 12

// Short returns only the semantic version string.
func Short() string {
	v, _, _ := resolve()
	return v
}

// Full returns a human-readable version string with commit and build time.
func Full() string {
	v, c, d := resolve()
	if c == "" {
		c = "none"
	}

	if d == "" {
		d = "unknown"
	}

	return fmt.Sprintf("version: %s, commit: %s, built at: %s", v, c, d)
}

func resolve() (string, string, string) {
	v, c, d := Version, Commit, BuildTime

	if info, ok := debug.ReadBuildInfo(); ok {
		if (v == "" || v == "dev") && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}

		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if c == "" {
					c = s.Value
				}
			case "vcs.time":
				if d == "" {
					d = s.Value
				}
			}
		}
	}

	if len(c) > shortCommitLength {
		c = c[:shortCommitLength]
	}

	return v, c, d
}
