package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the build stamp for the startup banner and -version flag.
func String() string {
	return fmt.Sprintf("lidar-grab %s (%s, built %s)", Version, GitSHA, BuildTime)
}
