package types

// ServiceStatus summarizes one managed service for GET /status.
type ServiceStatus struct {
	// Service name.
	// example: stt
	Name string `json:"name" example:"stt"`
	// Current lifecycle state (stopped, starting, ready, degraded, crashed).
	// example: ready
	State string `json:"state" example:"ready"`
	// OS process id, 0 when not running.
	// example: 48211
	PID int `json:"pid,omitempty" example:"48211"`
	// Port the service listens on.
	// example: 5004
	Port int `json:"port" example:"5004"`
	// Restarts performed within the current budget window.
	// example: 1
	Restarts int `json:"restarts" example:"1"`
	// Consecutive failed liveness probes.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
	// Epoch milliseconds of the last state transition.
	LastTransitionMS int64 `json:"last_transition_ms,omitempty"`
}

// StatusResponse is the aggregate system status for GET /status.
type StatusResponse struct {
	// Overall loader state.
	// example: system_ready
	State string `json:"state" example:"system_ready"`
	// Current dialog state.
	// example: idle
	DialogState string `json:"dialog_state" example:"idle"`
	// Active dialog id, empty when idle.
	DialogID string `json:"dialog_id,omitempty"`
	// Per-service lifecycle states.
	Services []ServiceStatus `json:"services"`
	// Latest VRAM reading, zero-valued when sampling is unavailable.
	Vram VramSample `json:"vram"`
	// Milliseconds since the orchestrator started.
	UptimeMS int64 `json:"uptime_ms"`
}

// PidsResponse maps service names to process ids for GET /pids.
type PidsResponse struct {
	Pids map[string]int `json:"pids"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: unknown service: vision
	Error string `json:"error" example:"unknown service: vision"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// OpResponse reports the outcome of an administrative start/stop/restart.
type OpResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
