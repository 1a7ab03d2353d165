package app

import (
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
)

const (
	testModeEnv = "RECONCILER_TEST_MODE"
	serviceName = "reconciler"
)

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once

	versionOnce sync.Once
	version     = "dev"
)

func detectTestMode() {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeFlag.Store(on)
}

// InTestMode reports whether binaries should skip connecting to Redis,
// Postgres and the offers backend.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads RECONCILER_TEST_MODE.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}

// Version returns the module version or VCS revision stamped at build time.
func Version() string {
	versionOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if v := info.Main.Version; v != "" && v != "(devel)" {
			version = v
			return
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				version = s.Value[:12]
				return
			}
		}
	})
	return version
}
