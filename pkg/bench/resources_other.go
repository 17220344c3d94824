//go:build !linux

package bench

import "errors"

func sampleProcess() (processUsage, error) {
	return processUsage{}, errors.New("process sampling requires procfs")
}
