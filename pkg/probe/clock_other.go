//go:build !linux

package probe

import "errors"

func monotonicNanos() uint64 {
	return fallbackNanos()
}

func pinToCPU(int) error {
	return errors.New("cpu pinning is only supported on linux")
}
