package handlers

// ControlResponse is returned by the playback control endpoints.
type ControlResponse struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	State    string  `json:"state"`
	Session  uint64  `json:"session"`
	Position float64 `json:"position"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Player        PlayerHealth      `json:"player"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// PlayerHealth summarises the player for health checks.
type PlayerHealth struct {
	ID       string  `json:"id,omitempty"`
	State    string  `json:"state"`
	Session  uint64  `json:"session"`
	Position float64 `json:"position"`
	Circuit  string  `json:"circuit,omitempty"`
}

// CPUInfo contains CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains system and process memory information.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessRSSMB      float64 `json:"process_rss_mb"`
	ProcessPercentage float64 `json:"process_percentage"`
}
