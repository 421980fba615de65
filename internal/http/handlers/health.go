package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/abrplay/internal/fetch"
	"github.com/jmylchreest/abrplay/internal/player"
)

// StatsSource reports the player state for health checks.
type StatsSource interface {
	Stats() player.Stats
}

// CircuitReporter reports the state of the segment fetcher's circuit breaker.
type CircuitReporter interface {
	CircuitState() fetch.CircuitState
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	player    StatsSource
	circuit   CircuitReporter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithPlayer sets the player reported by the health checks.
func (h *HealthHandler) WithPlayer(p StatsSource) *HealthHandler {
	h.player = p
	return h
}

// WithCircuit sets the circuit breaker reported by the health checks.
func (h *HealthHandler) WithCircuit(c CircuitReporter) *HealthHandler {
	h.circuit = c
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Ready while the player is running or has reached the end of the asset",
		Tags:        []string{"System"},
	}, h.GetReadyz)

	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the player including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// LivezInput is the input for the liveness endpoint.
type LivezInput struct{}

// LivezOutput is the output for the liveness endpoint.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// ReadyzInput is the input for the readiness endpoint.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness endpoint.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// GetReadyz reports whether the player can accept control requests.
func (h *HealthHandler) GetReadyz(_ context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Components = map[string]string{}
	out.Body.Status = "not_ready"

	if h.player == nil {
		out.Body.Components["player"] = "not_configured"
		return out, nil
	}

	state := h.player.Stats().State
	out.Body.Components["player"] = string(state)
	if state == player.StateRunning || state == player.StateEnded {
		out.Body.Status = "ready"
	}
	return out, nil
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(_ context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPU:           h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
		Checks:        map[string]string{},
		Player:        PlayerHealth{State: "unknown"},
	}

	if h.player != nil {
		stats := h.player.Stats()
		resp.Player = PlayerHealth{
			ID:       stats.ID,
			State:    string(stats.State),
			Session:  stats.Session,
			Position: stats.Position.Seconds(),
		}
		resp.Checks["player"] = "ok"
		if stats.State == player.StateError {
			resp.Checks["player"] = "error"
			resp.Status = "degraded"
		}
	}

	if h.circuit != nil {
		state := h.circuit.CircuitState()
		resp.Player.Circuit = state.String()
		resp.Checks["fetch"] = "ok"
		if state == fetch.CircuitOpen {
			resp.Checks["fetch"] = "circuit_open"
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns system and process memory usage.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err != nil {
		return info
	}
	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.ProcessRSSMB = float64(memInfo.RSS) / 1024 / 1024
		if info.TotalMemoryMB > 0 {
			info.ProcessPercentage = (info.ProcessRSSMB / info.TotalMemoryMB) * 100
		}
	}

	return info
}
