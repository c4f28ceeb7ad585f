package ccoffload

import (
	"strings"
	"time"
)

const (
	MethodClientFile                     = "client/file"
	MethodClientJobFinished              = "client/jobFinished"
	MethodClientOutput                   = "client/output"
	MethodClientResume                   = "client/resume"
	MethodClientScheduler                = "client/scheduler"
	MethodSchedulerUploadEnvironment     = "scheduler/uploadEnvironment"
	MethodSchedulerUploadEnvironmentData = "scheduler/uploadEnvironmentData"
	MethodWorkerJob                      = "worker/job"
	MethodWorkerPayload                  = "worker/payload"
)

// Handshake headers.
const (
	HeaderClientHostname = "x-ccoffload-client-hostname"
	HeaderClientName     = "x-ccoffload-client-name"
	HeaderConfigVersion  = "x-ccoffload-config-version"
	HeaderEnvironments   = "x-ccoffload-environments"
	HeaderJobID          = "x-ccoffload-job-id"
	HeaderSlave          = "x-ccoffload-slave"
	HeaderSlaveIP        = "x-ccoffload-slave-ip"
	HeaderSourceFile     = "x-ccoffload-sourcefile"
	HeaderWait           = "x-ccoffload-wait"
)

// MaxChunkSize bounds the data carried by a single payload or upload
// notification.
const MaxChunkSize = 64 * 1024

type Headers map[string]string

// Get looks a header up case-insensitively.
func (h Headers) Get(key string) string {
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (h Headers) Clone() Headers {
	c := make(Headers, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

type SchedulerMessageType string

const (
	SchedulerMessageNeedsEnvironment SchedulerMessageType = "needsEnvironment"
	SchedulerMessageSlave            SchedulerMessageType = "slave"
)

// SchedulerMessage is the single reply the scheduler sends a client.
type SchedulerMessage struct {
	Type               SchedulerMessageType `json:"type"`
	IP                 string               `json:"ip,omitempty"`
	Hostname           string               `json:"hostname,omitempty"`
	Port               int                  `json:"port,omitempty"`
	ID                 uint64               `json:"id,omitempty"`
	MaintainSemaphores bool                 `json:"maintain_semaphores,omitempty"`
}

// JobDescriptor announces a job to the worker. Exactly Bytes bytes of
// preprocessed source follow in payload chunks.
type JobDescriptor struct {
	CommandLine []string `json:"commandLine"`
	Argv0       string   `json:"argv0"`
	Wait        bool     `json:"wait"`
	Bytes       int      `json:"bytes"`
}

type PayloadChunk struct {
	Data []byte `json:"data"`
}

type OutputStream int

const (
	OutputStreamStdout OutputStream = iota
	OutputStreamStderr
)

type OutputChunk struct {
	Content   []byte       `json:"content"`
	Stream    OutputStream `json:"stream"`
	Timestamp time.Time    `json:"timestamp"`
}

type OutputFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type JobFinished struct {
	ExitCode int `json:"exitCode"`
}

type EnvironmentUpload struct {
	Hash  string `json:"hash"`
	Bytes int64  `json:"bytes"`
}

type EnvironmentData struct {
	Data []byte `json:"data"`
	Last bool   `json:"last"`
}

// SplitChunks cuts data into pieces of at most size bytes. Empty data
// yields no chunks.
func SplitChunks(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
