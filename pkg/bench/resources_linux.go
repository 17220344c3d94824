//go:build linux

package bench

import (
	"fmt"

	"github.com/prometheus/procfs"
)

func sampleProcess() (processUsage, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return processUsage{}, fmt.Errorf("open procfs: %w", err)
	}
	self, err := fs.Self()
	if err != nil {
		return processUsage{}, fmt.Errorf("procfs self: %w", err)
	}
	stat, err := self.Stat()
	if err != nil {
		return processUsage{}, fmt.Errorf("read /proc/self/stat: %w", err)
	}
	return processUsage{
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   uint64(stat.ResidentMemory()),
	}, nil
}
