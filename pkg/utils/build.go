// Build information injected through -ldflags, e.g.
// -X github.com/nobletooth/tiercache/pkg/utils.Version=v1.2.0
// CAUTION: flags and version reporting of the CLI read these at init.

package utils

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// devVersion is reported when the binary was built without version ldflags.
const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
	Hostname   string
)

func init() {
	StartTime = time.Now()

	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if host, err := os.Hostname(); err == nil {
		Hostname = host
	} else {
		Hostname = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
