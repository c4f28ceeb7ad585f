package service

import (
	"io"
)

// Services bundles every side effect the client has on the machine it runs
// on. Stats and Metrics are nil when they are not configured.
type Services struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Exec       ExecService
	Metrics    MetricsService
	OutputFile OutputFileService
	Ping       PingService
	Sentinel   SentinelService
	Stats      StatsService
}
