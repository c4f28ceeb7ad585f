// Package client decides, for a single compiler invocation, whether to
// compile on this machine or on a worker the scheduler assigns, and makes
// sure every failure ends in a local compile.
package client

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"tbx.at/ccoffload"
	"tbx.at/ccoffload/compilerargs"
	"tbx.at/ccoffload/config"
	"tbx.at/ccoffload/environment"
	"tbx.at/ccoffload/preprocess"
)

var (
	ErrTimeout          = errors.New("watchdog timed out")
	ErrNoAssignment     = errors.New("scheduler assigned no worker")
	ErrNeedsEnvironment = errors.New("scheduler needs the compiler environment")
	ErrPreprocessFailed = errors.New("preprocessing failed")
	ErrDisabled         = errors.New("remote compilation disabled")
	ErrDesiredSlot      = errors.New("desired compile slot available")
)

type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// Outcome is what an invocation ended up doing.
type Outcome struct {
	Mode     Mode
	ExitCode int
	// Reason explains a local compile. It never changes ExitCode.
	Reason error
	// Err is set when not even the local compiler could be run.
	Err error
}

// Invocation holds everything known about one compiler run. It is owned
// by the goroutine running the orchestrator.
type Invocation struct {
	ID       uuid.UUID
	Argv     []string
	Compiler *environment.Compiler
	// Hash fingerprints the compiler; empty until computed.
	Hash    string
	Args    *compilerargs.CompilerArgs
	Dir     string
	Env     []string
	Started time.Time
}

func NewInvocation(argv []string, compiler *environment.Compiler, dir string, env []string) *Invocation {
	return &Invocation{
		ID:       uuid.New(),
		Argv:     argv,
		Compiler: compiler,
		Dir:      dir,
		Env:      env,
		Started:  time.Now(),
	}
}

// SchedulerHeaders are sent with the scheduler handshake.
func (inv *Invocation) SchedulerHeaders(cfg *config.Config) ccoffload.Headers {
	headers := ccoffload.Headers{
		ccoffload.HeaderEnvironments:  inv.Hash,
		ccoffload.HeaderClientName:    cfg.Name,
		ccoffload.HeaderConfigVersion: strconv.Itoa(config.Version),
	}
	if inv.Args != nil {
		headers[ccoffload.HeaderSourceFile] = filepath.Base(inv.Args.SourceFile)
	}
	if cfg.Slave != "" {
		headers[ccoffload.HeaderSlave] = cfg.Slave
	}
	if cfg.Hostname != "" {
		headers[ccoffload.HeaderClientHostname] = cfg.Hostname
	}
	return headers
}

// BuildJobDescriptor describes the remote compile of args whose
// preprocessed source is result.Stdout.
func BuildJobDescriptor(args *compilerargs.CompilerArgs, compiler *environment.Compiler, result *preprocess.Result) (ccoffload.JobDescriptor, error) {
	if args == nil || compiler == nil || result == nil {
		return ccoffload.JobDescriptor{}, errors.New("incomplete job")
	}
	if !result.Success() {
		return ccoffload.JobDescriptor{}, fmt.Errorf("%w: exit status %d", ErrPreprocessFailed, result.ExitStatus)
	}
	return ccoffload.JobDescriptor{
		CommandLine: args.RemoteCommandLine(compiler.Remote),
		Argv0:       compiler.Path,
		Bytes:       len(result.Stdout),
	}, nil
}
