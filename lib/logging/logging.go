package logging

import (
	"encoding/json"

	logging "github.com/textileio/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// Subsystems lists the loggers of the engine.
var Subsystems = []string{
	"auctionhouse",
	"auctionhouse/service",
	"auctionhouse/store",
	"auctionhouse/logic",
	"auctionhouse/oracle",
	"auctionhouse/custody",
	"auctionhouse/pricing",
	"auctionhouse/ledger",
	"auctionhouse/api",
}

// SetLogLevels sets levels for the given systems. The "*" system sets
// the level of every registered subsystem.
func SetLogLevels(systems map[string]logging.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level)
		if sys == "*" {
			for _, s := range logging.GetSubsystems() {
				if err := logging.SetLogLevel(s, l.CapitalString()); err != nil {
					return err
				}
			}
			continue
		}
		if err := logging.SetLogLevel(sys, l.CapitalString()); err != nil {
			return err
		}
	}
	return nil
}

// SetDebug enables debug logs for systems.
func SetDebug(systems ...string) error {
	levels := make(map[string]logging.LogLevel, len(systems))
	for _, s := range systems {
		levels[s] = logging.LevelDebug
	}
	return SetLogLevels(levels)
}

// MustJSONIndent is an errorless method to json indent structs so they can be printed
// in log.XXXf in a single line.
func MustJSONIndent(b interface{}) string {
	jsn, _ := json.MarshalIndent(b, "", " ")
	return string(jsn)
}
