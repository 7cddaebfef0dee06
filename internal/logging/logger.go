package logging

import (
	"os"

	"gopkg.in/inconshreveable/log15.v2"
)

// Logger is the application-wide logger. Components derive children from it
// with Logger.New(key, value, ...).
var Logger = log15.New()

// Init configures the root handler.
// level: "debug", "info", "warn", "error", "crit" (defaults to "info")
// format: "logfmt", "json" or "terminal" (defaults to "logfmt")
func Init(level, format string) {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		lvl = log15.LvlInfo
	}

	var f log15.Format
	switch format {
	case "json":
		f = log15.JsonFormat()
	case "terminal":
		f = log15.TerminalFormat()
	default:
		f = log15.LogfmtFormat()
	}

	Logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stdout, f)))
}

// Discard silences the logger, for tests
func Discard() {
	Logger.SetHandler(log15.DiscardHandler())
}
