package log

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the global logger. It defaults to a no-op logger so library
// code can log unconditionally; binaries call InitLogger early in main.
var Logger = log.NewNopLogger()

// InitLogger sets up the global logger with the given minimum level
// (debug, info, warn, error).
func InitLogger(logLevel string) error {
	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return fmt.Errorf("unrecognized log level %q", logLevel)
	}

	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = level.NewFilter(l, opt)
	Logger = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return nil
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}
	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors wrapped with github.com/pkg/errors.
	logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}
