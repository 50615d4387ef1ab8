package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a shared go-kit logger. Components should prefer accepting a
// non-global logger through their constructors.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global gokit logger and returns it. logLevel is
// one of debug, info, warn, error; anything else falls back to info.
func InitLogger(logLevel string) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := kitlog.NewLogfmtLogger(writer)

	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)

	// Must put the level filter last for efficiency.
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(logLevel, level.InfoValue())))

	Logger = logger
	return logger
}
