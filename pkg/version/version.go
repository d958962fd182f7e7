// Package version reports the build identity for logs and the health
// endpoint.
package version

import "runtime/debug"

const appName = "convergio"

// commit can be set with -ldflags for builds without VCS metadata.
var commit string

// Full returns "convergio/<short-commit>", falling back to
// "convergio/dev" when no commit is known.
func Full() string {
	return appName + "/" + shortCommit()
}

func shortCommit() string {
	c := commit
	if c == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
					break
				}
			}
		}
	}
	if c == "" {
		return "dev"
	}
	if len(c) > 8 {
		c = c[:8]
	}
	return c
}
