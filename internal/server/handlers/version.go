package handlers

import (
	"net/http"
	"runtime"
	"runtime/debug"
)

// Build metadata injected from main via SetVersionInfo.
var (
	AppName      = "relaypoint"
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"
)

// SetVersionInfo sets the version information for the handler
func SetVersionInfo(version, commit, buildDate string) {
	AppVersion = version
	AppCommit = commit
	AppBuildDate = buildDate
}

// VersionResponse represents the version information response
type VersionResponse struct {
	App          AppInfo           `json:"app"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Runtime      RuntimeInfo       `json:"runtime"`
}

// AppInfo contains application version details
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// RuntimeInfo contains runtime environment information
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// reportedModules are the dependencies whose versions /version exposes.
var reportedModules = []string{
	"github.com/fulmenhq/gofulmen",
	"github.com/redis/go-redis/v9",
	"github.com/tursodatabase/go-libsql",
	"github.com/PaulSonOfLars/gotgbot/v2",
}

// DependencyVersions reads module versions from the embedded build info.
func DependencyVersions() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	versions := map[string]string{}
	for _, dep := range info.Deps {
		for _, path := range reportedModules {
			if dep.Path == path {
				versions[path] = dep.Version
			}
		}
	}
	return versions
}

// VersionHandler handles version information requests
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		App: AppInfo{
			Name:      AppName,
			Version:   AppVersion,
			Commit:    AppCommit,
			BuildDate: AppBuildDate,
			GoVersion: runtime.Version(),
		},
		Dependencies: DependencyVersions(),
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}
