package protocol

// SinkConfig configures a single output sink a worker will open to write a
// plugin's named output stream.
type SinkConfig struct {
	Topic    string `json:"topic"`
	URI      string `json:"uri"`
	Mode     string `json:"mode"`               // "append" | "replace" | "error"
	SchemaDef string `json:"schema_def,omitempty"`
}

// DispatchPayload is the DISPATCH payload: broker -> worker, "process this
// file, here is your sink configuration." The bridge fields are optional;
// their presence enables isolated Host/Guest execution.
type DispatchPayload struct {
	PluginName    string       `json:"plugin_name"`
	FilePath      string       `json:"file_path"`
	FileVersionID string       `json:"file_version_id"`
	Sinks         []SinkConfig `json:"sinks"`
	EnvHash       string       `json:"env_hash,omitempty"`
	ArtifactHash  string       `json:"artifact_hash,omitempty"`
	SourceCode    string       `json:"source_code,omitempty"`
}

// JobReceipt is the CONCLUDE payload: worker -> broker, final job outcome.
type JobReceipt struct {
	Status       string            `json:"status"` // "SUCCESS" | "FAILED"
	Metrics      map[string]int64  `json:"metrics"`
	Artifacts    []ArtifactRef     `json:"artifacts"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// ArtifactRef names a sink artifact produced by a completed job.
type ArtifactRef struct {
	Topic string `json:"topic"`
	URI   string `json:"uri"`
}

// IdentifyPayload is the IDENTIFY payload: worker -> broker handshake.
type IdentifyPayload struct {
	Capabilities []string `json:"capabilities"`
	WorkerID     string   `json:"worker_id,omitempty"`
}

// HeartbeatPayload is the HEARTBEAT payload: worker -> broker liveness ping.
type HeartbeatPayload struct {
	Status        string `json:"status"` // "IDLE" | "BUSY"
	CurrentJobID  string `json:"current_job_id,omitempty"`
}

// ErrorPayload is the ERR payload, bidirectional.
type ErrorPayload struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// DeployPayload is the DEPLOY payload: publisher-client -> broker, a full
// artifact submission.
type DeployPayload struct {
	PluginName      string `json:"plugin_name"`
	Version         string `json:"version"`
	SourceCode      string `json:"source_code"`
	LockfileContent string `json:"lockfile_content,omitempty"`
	ArtifactHash    string `json:"artifact_hash"`
	Signature       string `json:"signature"`
	PublisherID     string `json:"publisher_id"`
	SampleInput     string `json:"sample_input,omitempty"`
}

// PrepareEnvPayload is the PREPARE_ENV payload: broker -> worker, eager
// environment provisioning request.
type PrepareEnvPayload struct {
	EnvHash         string `json:"env_hash"`
	LockfileContent string `json:"lockfile_content"`
}

// EnvReadyPayload is the ENV_READY payload: worker -> broker, response to
// PREPARE_ENV.
type EnvReadyPayload struct {
	EnvHash         string `json:"env_hash"`
	InterpreterPath string `json:"interpreter_path"`
	CacheHit        bool   `json:"cache_hit"`
}
