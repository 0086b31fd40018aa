package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// tKVLogger implements the ILogger interface with custom formatting
type tKVLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *tKVLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *tKVLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *tKVLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *tKVLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *tKVLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *tKVLogger) Panicf(format string, args ...interface{}) {
	l.log("PANIC", format, args...)
	panic(fmt.Sprintf(format, args...))
}

func (l *tKVLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &tKVLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var (
	// dragonboat internals are noisy, they never log below WARNING unless debugging
	raftLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb", "config"}
	tkvLoggers  = []string{"store", "index", "events", "transport/rpc", "rpc", "sync", "client"}
)

// InitLoggers installs the custom logger factory and applies level to all
// loggers of tKV and dragonboat
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	raftLevel := lvl
	if raftLevel > logger.WARNING && raftLevel != logger.DEBUG {
		raftLevel = logger.WARNING
	}
	for _, name := range raftLoggers {
		logger.GetLogger(name).SetLevel(raftLevel)
	}
	for _, name := range tkvLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
