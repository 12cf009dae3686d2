// Package version reports build metadata. Release builds set the variables with -ldflags;
// other builds fall back to the module and VCS stamps embedded by the go tool.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

// Resolved returns version, commit, and date with embedded build info filling unset values.
func Resolved() (string, string, string) {
	v, c, d := Version, Commit, Date
	info, ok := readBuildInfo()
	if !ok {
		return v, c, d
	}
	if v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		v = info.Main.Version
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && c == "none":
			c = s.Value
			if len(c) > 12 {
				c = c[:12]
			}
		case s.Key == "vcs.time" && d == "unknown":
			d = s.Value
		}
	}
	return v, c, d
}

func String() string {
	v, c, d := Resolved()
	return "candor " + v + " (commit=" + c + ", date=" + d + ", go=" + runtime.Version() + ")"
}

// UserAgent is sent on backend requests.
func UserAgent() string {
	v, _, _ := Resolved()
	return "candor/" + v
}
