package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

func logStderr(msg string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, msg, args...)
}

// InitLoggerRedirect points process output at the requested sink. "stderr"
// (or empty) leaves output alone, "syslog" attaches the system log, any other
// value is treated as a file path which also receives stdout and stderr.
func InitLoggerRedirect(logFileName string) {
	if logFileName == "syslog" {
		w, err := InitSyslog()
		if err != nil {
			logStderr("Couldn't attach syslog: %v\n", err)
			return
		}
		logWriter = w
	} else if logFileName != "stderr" && logFileName != "/dev/stderr" && logFileName != "" {
		lf, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			logStderr("Couldn't open file %v for writing logs\n", logFileName)
			return
		}
		if err = redirectStdout(lf); err != nil {
			logStderr("Couldn't redirect STDOUT to the log file %v\n", logFileName)
			return
		}
		if err = redirectStderr(lf); err != nil {
			logStderr("Couldn't redirect STDERR to the log file %v\n", logFileName)
			return
		}
		logWriter = lf
	}
}

func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for k, l := range loggers {
		nl := NewLogger(config, l.name, config.Color, logWriter)
		loggers[k].Logger = nl.Logger
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Infof(msg string, args ...interface{}) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...interface{}) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...interface{}) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...interface{}) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	*l.Logger = l.Level(level)
}

func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, DefaultLogConfig.Color, logWriter)
		loggers[name] = logger
	}

	return logger
}

type LogConfig struct {
	Level  string
	Format string
	Color  bool
}

func consoleFormatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return l[0]
		}
		return l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module + " " + c
}

func NewLogger(config *LogConfig, module string, colorized bool, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error parsing log level. defaulting to info level")
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !colorized
		output.FormatCaller = func(i any) string {
			return consoleFormatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &LogHandle{Logger: &logger, name: module}
}

func DumpLoggers(name string) {
	for k, l := range loggers {
		fmt.Printf("%v Logger %v: %v\n", name, k, l.GetLevel().String())
	}
}
