// Package buildinfo carries version metadata stamped at link time:
//
//	go build -ldflags "-X towerintel/internal/buildinfo.Version=1.2.0 -X towerintel/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Service is the name reported by the index and health endpoints.
const Service = "frontier-tower-intelligence"

type Info struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	BuiltAt string `json:"builtAt,omitempty"`
}

func Get() Info {
	return Info{Service: Service, Version: Version, Commit: Commit, BuiltAt: BuiltAt}
}
