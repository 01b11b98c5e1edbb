package util

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// LogConfig carries the logging section of the config file.
type LogConfig struct {
	Level        string
	ConsoleLevel string
	Logfile      string
	ModuleLevels map[string]string
}

var (
	moduleMu      sync.Mutex
	moduleLoggers = map[string]*logrus.Logger{}
	moduleLevels  = map[string]logrus.Level{}
	consoleMirror *consoleHook
)

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat enables JSON log format
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// ConfigureLogging applies the logging config: global level, optional
// logfile (with console mirroring at its own level), and per-module
// level overrides. When a logfile is configured the main sink becomes
// the file and the console receives a copy of each entry at or above
// the console level. The console may not be more verbose than the file
// sink, since entries below the global level are never emitted at all.
func ConfigureLogging(cfg LogConfig) error {
	lvl := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		lvl, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	Logger.SetLevel(lvl)

	consoleLvl := lvl
	if cfg.ConsoleLevel != "" {
		var err error
		consoleLvl, err = logrus.ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return fmt.Errorf("invalid console log level %q: %w", cfg.ConsoleLevel, err)
		}
		if consoleLvl > lvl {
			return fmt.Errorf("console level %s more verbose than global level %s", consoleLvl, lvl)
		}
	}

	if cfg.Logfile != "" {
		path := ExpandLogfile(cfg.Logfile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open logfile: %w", err)
		}
		Logger.SetOutput(f)
		consoleMirror = &consoleHook{w: os.Stderr, level: consoleLvl, formatter: Logger.Formatter}
		Logger.AddHook(consoleMirror)
	}

	moduleMu.Lock()
	defer moduleMu.Unlock()
	for name, s := range cfg.ModuleLevels {
		mlvl, err := logrus.ParseLevel(s)
		if err != nil {
			return fmt.Errorf("invalid log level %q for module %s: %w", s, name, err)
		}
		moduleLevels[name] = mlvl
	}
	for name, ml := range moduleLoggers {
		applyModuleConfig(name, ml)
	}
	return nil
}

// ExpandLogfile substitutes the %(pid)s token in a logfile path.
func ExpandLogfile(path string) string {
	return strings.ReplaceAll(path, "%(pid)s", strconv.Itoa(os.Getpid()))
}

// ForModule returns a logger entry scoped to a named module. Modules
// can have their own level via the logging.level.<module> config keys;
// otherwise they track the global level.
func ForModule(name string) *logrus.Entry {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	ml, ok := moduleLoggers[name]
	if !ok {
		ml = logrus.New()
		applyModuleConfig(name, ml)
		moduleLoggers[name] = ml
	}
	return ml.WithField("module", name)
}

func applyModuleConfig(name string, ml *logrus.Logger) {
	ml.SetOutput(Logger.Out)
	ml.SetFormatter(Logger.Formatter)
	if lvl, ok := moduleLevels[name]; ok {
		ml.SetLevel(lvl)
	} else {
		ml.SetLevel(Logger.GetLevel())
	}
	ml.ReplaceHooks(make(logrus.LevelHooks))
	if consoleMirror != nil {
		ml.AddHook(consoleMirror)
	}
}

// consoleHook mirrors entries to a second writer at its own threshold.
type consoleHook struct {
	w         io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func (h *consoleHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, h.level+1)
	for l := logrus.PanicLevel; l <= h.level; l++ {
		levels = append(levels, l)
	}
	return levels
}

func (h *consoleHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple fields
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithGateway returns a logger with gateway context
func WithGateway(gateway string) *logrus.Entry {
	return Logger.WithField("gateway", gateway)
}

// WithDevice returns a logger with device context
func WithDevice(device string) *logrus.Entry {
	return Logger.WithField("device", device)
}

// WithRule returns a logger with synthesizer rule context
func WithRule(rule string) *logrus.Entry {
	return Logger.WithField("rule", rule)
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	Logger.Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	Logger.Error(args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func Fatal(args ...interface{}) {
	Logger.Fatal(args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...interface{}) {
	Logger.Fatalf(format, args...)
}
