package protocol

// Versioned is implemented by every frame body so Decode can check the schema
// version uniformly.
type Versioned interface {
	PayloadVersion() int
}

// Base carries the schema version. Embed it in every payload struct.
type Base struct {
	V int `cbor:"v"`
}

func (b Base) PayloadVersion() int { return b.V }

// NewBase returns a Base stamped with the current schema version.
func NewBase() Base { return Base{V: Version} }

// StartRequest asks the server to spawn a deployment. WorkDir is advisory:
// the server assigns the actual working directory under its log root.
type StartRequest struct {
	Base
	Name         string            `cbor:"name"`
	Deployment   string            `cbor:"deployment"`
	Args         []string          `cbor:"args,omitempty"`
	Env          []string          `cbor:"env,omitempty"`
	WorkDir      string            `cbor:"work_dir,omitempty"`
	NameMappings map[string]string `cbor:"name_mappings,omitempty"`
}

// StartReply follows a MarkStarted (success) or MarkNo (failure) marker.
type StartReply struct {
	Base
	PID     int    `cbor:"pid,omitempty"`
	Message string `cbor:"message,omitempty"`
}

type PidRequest struct {
	Base
	Name string `cbor:"name"`
}

type PidReply struct {
	Base
	PID int `cbor:"pid"`
}

// ProcessInfo is one row of the server's process table.
type ProcessInfo struct {
	Name       string `cbor:"name"`
	Deployment string `cbor:"deployment"`
	PID        int    `cbor:"pid"`
	Alive      bool   `cbor:"alive"`
}

type InfoReply struct {
	Base
	ServerPID int           `cbor:"server_pid"`
	Processes []ProcessInfo `cbor:"processes"`
	Clients   int           `cbor:"clients"`
}

// CreateLogRequest creates a time-tagged log directory and records the
// caller-supplied metadata in it.
type CreateLogRequest struct {
	Base
	TimeTag  string            `cbor:"time_tag"`
	Metadata map[string]string `cbor:"metadata,omitempty"`
}

type CreateLogReply struct {
	Base
	Dir string `cbor:"dir"`
}

// EndRequest stops one process. Hard skips the graceful signal, Cleanup runs
// the deployment's cleanup steps before termination.
type EndRequest struct {
	Base
	Name    string `cbor:"name"`
	Hard    bool   `cbor:"hard,omitempty"`
	Cleanup bool   `cbor:"cleanup,omitempty"`
}

type KillAllRequest struct {
	Base
	TimeoutMS int64 `cbor:"timeout_ms"`
}

// ExitRecord reports one terminated process. Code is the exit status; Signal
// is set when the process died from a signal.
type ExitRecord struct {
	Name   string `cbor:"name"`
	Code   int    `cbor:"code"`
	Signal int    `cbor:"signal,omitempty"`
}

type KillAllReply struct {
	Base
	Exits []ExitRecord `cbor:"exits"`
}

// DeathNotice follows the out-of-band MarkDead marker.
type DeathNotice struct {
	Base
	Name   string `cbor:"name"`
	Code   int    `cbor:"code"`
	Signal int    `cbor:"signal,omitempty"`
}

// UploadRequest enqueues one log-file transfer. CertPEM pins the archive
// peer certificate; it is not resolved against a system trust store.
type UploadRequest struct {
	Base
	Host           string `cbor:"host"`
	Port           int    `cbor:"port"`
	User           string `cbor:"user"`
	Password       string `cbor:"password"`
	CertPEM        []byte `cbor:"cert_pem"`
	Path           string `cbor:"path"`
	MaxBytesPerSec int    `cbor:"max_rate,omitempty"`
}

type UploadResult struct {
	OK      bool   `cbor:"ok"`
	Path    string `cbor:"path"`
	Message string `cbor:"message,omitempty"`
}

type UploadStateReply struct {
	Base
	Pending int            `cbor:"pending"`
	Results []UploadResult `cbor:"results,omitempty"`
}

type WaitRunningRequest struct {
	Base
	Name      string `cbor:"name"`
	TimeoutMS int64  `cbor:"timeout_ms,omitempty"`
}

// GenericReply is the body for plain YES/NO markers.
type GenericReply struct {
	Base
	Message string `cbor:"message,omitempty"`
}
