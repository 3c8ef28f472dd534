package protocol

// GPUInfo describes one physical GPU as reported by an agent.
type GPUInfo struct {
	LocalIndex    int    `json:"local_index"`
	Model         string `json:"model"`
	TotalMemoryMB int    `json:"total_memory_mb"`
}

// NodeAddress is the host:port the master dials to reach an agent's
// command listener (start / cancel / query-resources).
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ─── agent → master ──────────────────────────────────────────────────────

// HostInfo carries purely informational host diagnostics — never fed
// into scheduling decisions, just surfaced to operators via queue/debug
// views (see internal/agent/hostinfo).
type HostInfo struct {
	Hostname      string `json:"hostname,omitempty"`
	CPUCount      int    `json:"cpu_count,omitempty"`
	TotalMemoryMB uint64 `json:"total_memory_mb,omitempty"`
	UsedMemoryMB  uint64 `json:"used_memory_mb,omitempty"`
	UptimeSeconds uint64 `json:"uptime_seconds,omitempty"`
}

// RegisterMsg is sent once by an agent, as the first line on its persistent
// connection to the master. RunningJobIDs lets the master reconcile jobs
// that were running before a master restart wiped its in-memory job
// table (see the master's --orphan-policy flag).
type RegisterMsg struct {
	Type          string      `json:"type"`
	NodeID        string      `json:"node_id"`
	Address       NodeAddress `json:"address"`
	GPUs          []GPUInfo   `json:"gpus"`
	Host          HostInfo    `json:"host,omitempty"`
	RunningJobIDs []string    `json:"running_job_ids,omitempty"`
}

// HeartbeatMsg is sent periodically by an agent on the same persistent
// connection used for RegisterMsg.
type HeartbeatMsg struct {
	Type       string   `json:"type"`
	NodeID     string   `json:"node_id"`
	FreeGPUs   []int    `json:"free_gpus"`
	RunningIDs []string `json:"running_job_ids"`
	Ts         int64    `json:"ts"`
	Host       HostInfo `json:"host,omitempty"`
}

// ResourcesMsg answers a QueryResourcesMsg on the same connection.
type ResourcesMsg struct {
	Type     string    `json:"type"`
	GPUs     []GPUInfo `json:"gpus"`
	FreeGPUs []int     `json:"free_gpus"`
}

// OutMsg wraps one chunk of a job's combined stdout/stderr, base64-encoded.
type OutMsg struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Stream string `json:"stream"` // "stdout" or "stderr"
	Data   string `json:"data"`   // base64
}

// ExitMsg is the terminal message on a job's output stream, and also the
// agent→master report of process completion.
type ExitMsg struct {
	Type   string  `json:"type"`
	JobID  string  `json:"job_id"`
	Code   int     `json:"code"`
	Signal *string `json:"signal"`
}

// ─── master → agent ──────────────────────────────────────────────────────

// QueryResourcesMsg asks an agent to report its current GPU state.
type QueryResourcesMsg struct {
	Type string `json:"type"`
}

// DistributedConfig carries the env-injection parameters for multi-node
// distributed jobs. Zero value means "not a distributed job".
type DistributedConfig struct {
	Kind       string `json:"kind"` // "none" | "torch-distributed" | "mpi"
	Rank       int    `json:"rank"`
	WorldSize  int    `json:"world_size"`
	MasterHost string `json:"master_host"`
	MasterPort int    `json:"master_port"`
}

// StartMsg instructs an agent to launch a job.
type StartMsg struct {
	Type              string            `json:"type"`
	JobID             string            `json:"job_id"`
	NodeID            string            `json:"node_id"`
	Command           string            `json:"command"`
	AssignedLocalGPUs []int             `json:"assigned_local_gpus"`
	EnvExtras         map[string]string `json:"env_extras"`
	Distributed       DistributedConfig `json:"distributed"`
	// StreamAddr is where the master listens for this job's output stream
	// connection — set by the master so the agent knows where to dial back.
	StreamAddr NodeAddress `json:"stream_addr"`
}

// CancelMsg instructs an agent to terminate a running job.
type CancelMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// ─── client → master ─────────────────────────────────────────────────────

// NodePin fixes placement of part (or all) of a job's GPU request to a
// specific node's specific local GPU indices.
type NodePin struct {
	NodeID      string `json:"node_id"`
	LocalGPUIDs []int  `json:"local_gpu_ids"`
}

// JobSpec is the body of a submit request. CancelOnDisconnect ties the
// job's lifetime to the submitting client's attach: if that client's
// stream connection drops, the master cancels the job — the default for
// interactive submissions.
type JobSpec struct {
	Owner              string    `json:"owner"`
	Command            string    `json:"command"`
	RequestedGPUs      int       `json:"requested_gpus"`
	NodeGPUPins        []NodePin `json:"node_gpu_pins,omitempty"`
	Priority           int       `json:"priority"`
	DistributedKind    string    `json:"distributed_kind"` // "none" | "torch-distributed" | "mpi"
	Interactive        bool      `json:"interactive"`
	CancelOnDisconnect bool      `json:"cancel_on_disconnect,omitempty"`
	MemMB              int       `json:"mem_mb,omitempty"`
}

// SubmitMsg is a client's request to enqueue a job.
type SubmitMsg struct {
	Type string  `json:"type"`
	Spec JobSpec `json:"spec"`
}

// SubmitResponse answers SubmitMsg.
type SubmitResponse struct {
	Type           string `json:"type"`
	Ok             bool   `json:"ok"`
	JobID          string `json:"job_id,omitempty"`
	AttachEndpoint string `json:"attach_endpoint,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// QueueMsg requests a snapshot of the cluster state.
type QueueMsg struct {
	Type string `json:"type"`
}

// JobView is a read-only projection of a job for the queue snapshot.
type JobView struct {
	ID              string   `json:"id"`
	Owner           string   `json:"owner"`
	Command         string   `json:"command"`
	Priority        int      `json:"priority"`
	Status          string   `json:"status"`
	RequestedGPUs   int      `json:"requested_gpus"`
	AssignmentDesc  []string `json:"assignment,omitempty"` // "node_id:gpu,gpu,..."
	SubmittedAtUnix int64    `json:"submitted_at"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	RetryCount      int      `json:"retry_count"`
}

// NodeView is a read-only projection of a node for the queue snapshot.
type NodeView struct {
	ID            string   `json:"node_id"`
	Status        string   `json:"status"`
	TotalGPUs     int      `json:"total_gpus"`
	FreeGPUs      int      `json:"free_gpus"`
	FailureCount  int      `json:"failure_count"`
	LastHeartbeat int64    `json:"last_heartbeat_at"`
	Host          HostInfo `json:"host,omitempty"`
}

// QueueResponse answers QueueMsg.
type QueueResponse struct {
	Type  string     `json:"type"`
	Jobs  []JobView  `json:"jobs"`
	Nodes []NodeView `json:"nodes"`
}

// CancelClientMsg is a client's request to cancel a job.
type CancelClientMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// CancelResponse answers CancelClientMsg.
type CancelResponse struct {
	Type        string `json:"type"`
	Ok          bool   `json:"ok"`
	PriorStatus string `json:"prior_status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// AttachMsg subscribes the connection to a queued, running or recently
// completed job's output stream.
type AttachMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// ─── generic ──────────────────────────────────────────────────────────────

// AckMsg is a generic positive acknowledgement with no payload.
type AckMsg struct {
	Type string `json:"type"`
	Ok   bool   `json:"ok"`
}

// ErrorMsg is a generic negative acknowledgement.
type ErrorMsg struct {
	Type   string `json:"type"`
	Ok     bool   `json:"ok"`
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}

// Sentinel reason strings used in ErrorMsg.Reason / SubmitResponse.Reason /
// CancelResponse.Reason. Clients branch on these.
const (
	ReasonInvalidSpec           = "invalid-spec"
	ReasonResourceUnsatisfiable = "resource-unsatisfiable-forever"
	ReasonUnknownJob            = "unknown-job"
	ReasonNotRunningNoHistory   = "not-running-and-no-history"
)
