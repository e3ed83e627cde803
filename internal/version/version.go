// Package version exposes build metadata injected with -ldflags, falling
// back to the VCS settings recorded by the Go toolchain.
package version

import (
	"fmt"
	"runtime/debug"
)

const AppName = "fullstack"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	VCSDirty  bool   `json:"vcs_dirty"`
}

func Get() Info {
	out := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			out.VCSDirty = s.Value == "true"
		}
	}
	return out
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)",
		AppName, i.Version, i.Commit, i.BuildDate, i.GoVersion, i.VCSDirty)
}
