package service

import (
	"os"
)

// SentinelService detects a compiler resolving back to ccoffload itself.
type SentinelService interface {
	SentinelExists() bool
	WriteSentinel() error
}

const SentinelVariable = "CCOFFLOAD_INVOKED"

// SentinelServiceImpl keeps the sentinel in the environment so that it is
// inherited by every compiler we spawn.
type SentinelServiceImpl struct{}

// SentinelExists implements SentinelService
func (*SentinelServiceImpl) SentinelExists() bool {
	_, ok := os.LookupEnv(SentinelVariable)
	return ok
}

// WriteSentinel implements SentinelService
func (*SentinelServiceImpl) WriteSentinel() error {
	return os.Setenv(SentinelVariable, "1")
}

var _ SentinelService = (*SentinelServiceImpl)(nil)
