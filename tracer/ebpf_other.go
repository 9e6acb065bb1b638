//go:build !linux

package tracer

import (
	"time"

	"go.uber.org/zap"
)

// EBPFSource is unavailable outside Linux; Open always fails.
type EBPFSource struct {
	ObjectPath string
	Logger     *zap.Logger
}

func NewEBPFSource(path string, logger *zap.Logger) *EBPFSource {
	return &EBPFSource{ObjectPath: path, Logger: logger}
}

func (s *EBPFSource) Open(cfg Config) (Reader, error) {
	return nil, ErrUnsupported
}

var processStart = time.Now()

// Monotonic returns nanoseconds on the process-local monotonic clock.
func Monotonic() uint64 {
	return uint64(time.Since(processStart))
}
