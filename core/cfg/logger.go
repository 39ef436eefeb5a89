package cfg

import (
	"os"

	"github.com/qasimbilalstack/reddit-dl/lib"
	"github.com/qasimbilalstack/reddit-dl/log"
)

// InitLoggers configures the named logger registry from the resolved flags.
// A log-file setting redirects all process output there in append mode;
// otherwise logs stay on the console so the end-of-run summary is visible.
func InitLoggers(flags *FlagStorage) {
	lf := flags.LogFile
	if lf == "" {
		lf = "stderr"
	}

	log.InitLoggerRedirect(lf)

	log.DefaultLogConfig = &log.LogConfig{
		Level:  flags.LogLevel,
		Format: flags.LogFormat,
	}

	if (lib.IsTTY(os.Stdout) || lib.IsTTY(os.Stderr)) && log.DefaultLogConfig.Format == "" && lf == "stderr" {
		log.DefaultLogConfig.Format = "console"
	}

	log.DefaultLogConfig.Color = true
	if flags.NoLogColor {
		log.DefaultLogConfig.Color = false
	}

	log.SetLoggersConfig(log.DefaultLogConfig)
}
