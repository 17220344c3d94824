//go:build !linux

package ebpf

import (
	"go.uber.org/zap"

	"github.com/saworbit/ringbench/pkg/collector"
	"github.com/saworbit/ringbench/pkg/config"
)

// NewSource reports unsupported platforms when Linux eBPF is unavailable.
func NewSource(cfg *config.EBPFConfig, _ *zap.Logger) (collector.Source, error) {
	var target AttachTarget
	if cfg != nil {
		target, _ = Target(cfg.Attach)
	}
	return nil, &AttachError{Target: target, Err: ErrUnsupported}
}
