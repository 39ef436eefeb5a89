//go:build windows

package log

import (
	"errors"
	"io"
	"os"
)

func redirectStdout(target *os.File) error {
	os.Stdout = target
	return nil
}

func redirectStderr(target *os.File) error {
	os.Stderr = target
	return nil
}

func InitSyslog() (io.Writer, error) {
	return nil, errors.New("syslog is not available on windows")
}
