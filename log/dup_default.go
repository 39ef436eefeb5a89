//go:build !windows

package log

import (
	"io"
	"log/syslog"
	"os"

	"golang.org/x/sys/unix"
)

func redirectStdout(target *os.File) error {
	return unix.Dup2(int(target.Fd()), int(os.Stdout.Fd()))
}

func redirectStderr(target *os.File) error {
	return unix.Dup2(int(target.Fd()), int(os.Stderr.Fd()))
}

func InitSyslog() (io.Writer, error) {
	return syslog.New(syslog.LOG_INFO, "reddit-dl")
}
