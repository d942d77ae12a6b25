// Package version reports the version written into credential artifacts.
//
// Set it at build time with:
//
//	go build -ldflags "-X github.com/guseggert/mtlsboot/version.Version=v1.2.3"
package version

import "runtime/debug"

// Version is set via -ldflags. When empty, the module version from the build info is used.
var Version = ""

const develVersion = "0.0.0-dev"

// String returns the effective version.
func String() string {
	if Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return develVersion
}
