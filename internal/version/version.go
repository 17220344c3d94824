// Package version carries build metadata set with -ldflags.
package version

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/saworbit/ringbench/internal/version.Version=v0.3.0"
var Version = "dev"
