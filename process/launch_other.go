//go:build !linux

package process

import (
	"errors"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by Launch on platforms without a suspended
// launch primitive.
var ErrUnsupported = errors.New("suspended launch is only supported on linux")

type PtraceLauncher struct {
	Credential *syscall.Credential
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *zap.Logger
}

func NewLauncher(logger *zap.Logger) *PtraceLauncher {
	return &PtraceLauncher{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}
}

func (l *PtraceLauncher) Launch(path string, args []string) (Target, error) {
	return nil, ErrUnsupported
}
