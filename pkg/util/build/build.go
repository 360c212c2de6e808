// Package build carries version metadata stamped at link time. Importing it
// (typically blank) populates the prometheus version package so that
// version.Print and the build_info collector report this binary, not the
// defaults.
package build

import (
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
)

// Populated via -ldflags "-X github.com/sizescope/sizescope/pkg/util/build.Version=..."
var (
	Branch    string
	Version   string
	Revision  string
	BuildUser string
	BuildDate string
)

func init() {
	version.Branch = Branch
	version.Version = Version
	version.Revision = Revision
	version.BuildUser = BuildUser
	version.BuildDate = BuildDate
}

// NewCollector returns the build_info gauge for program.
func NewCollector(program string) prometheus.Collector {
	return versioncollector.NewCollector(program)
}
