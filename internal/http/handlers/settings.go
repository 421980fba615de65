package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/abrplay/internal/observability"
)

// CircuitResetter is a fetcher whose circuit breaker can be closed by hand.
type CircuitResetter interface {
	CircuitReporter
	ResetCircuit()
}

// SettingsHandler exposes the knobs that can change while a session plays.
type SettingsHandler struct {
	circuit CircuitResetter
}

// NewSettingsHandler creates a settings handler. circuit may be nil.
func NewSettingsHandler(circuit CircuitResetter) *SettingsHandler {
	return &SettingsHandler{circuit: circuit}
}

// Register adds the settings routes to api.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSettings",
		Method:      http.MethodGet,
		Path:        "/api/v1/settings",
		Summary:     "Get runtime settings",
		Tags:        []string{"Settings"},
	}, h.GetSettings)

	huma.Register(api, huma.Operation{
		OperationID: "updateSettings",
		Method:      http.MethodPut,
		Path:        "/api/v1/settings",
		Summary:     "Update runtime settings",
		Description: "Log level changes apply to every logger at once. reset_circuit closes an open fetch circuit so segment requests resume.",
		Tags:        []string{"Settings"},
	}, h.UpdateSettings)
}

// RuntimeSettings is the current value of each setting.
type RuntimeSettings struct {
	LogLevel     string `json:"log_level"`
	CircuitState string `json:"circuit_state,omitempty"`
}

// GetSettingsInput is empty.
type GetSettingsInput struct{}

// SettingsOutput is returned by both settings endpoints.
type SettingsOutput struct {
	Body struct {
		Settings       RuntimeSettings `json:"settings"`
		AppliedChanges []string        `json:"applied_changes"`
	}
}

func (h *SettingsHandler) output(applied []string) *SettingsOutput {
	out := &SettingsOutput{}
	out.Body.Settings.LogLevel = observability.LogLevel()
	if h.circuit != nil {
		out.Body.Settings.CircuitState = h.circuit.CircuitState().String()
	}
	out.Body.AppliedChanges = applied
	return out
}

// GetSettings reports the current settings.
func (h *SettingsHandler) GetSettings(_ context.Context, _ *GetSettingsInput) (*SettingsOutput, error) {
	return h.output([]string{}), nil
}

// UpdateSettingsInput holds the settings to change. Absent fields are left alone.
type UpdateSettingsInput struct {
	Body struct {
		LogLevel     *string `json:"log_level,omitempty" enum:"trace,debug,info,warn,error"`
		ResetCircuit bool    `json:"reset_circuit,omitempty"`
	}
}

// UpdateSettings applies the requested changes and reports which took effect.
func (h *SettingsHandler) UpdateSettings(ctx context.Context, input *UpdateSettingsInput) (*SettingsOutput, error) {
	if input.Body.ResetCircuit && h.circuit == nil {
		return nil, huma.Error422UnprocessableEntity("no fetch circuit to reset")
	}

	applied := []string{}
	if lvl := input.Body.LogLevel; lvl != nil {
		observability.SetLogLevel(*lvl)
		applied = append(applied, "log_level")
	}
	if input.Body.ResetCircuit {
		h.circuit.ResetCircuit()
		applied = append(applied, "reset_circuit")
		observability.LoggerFromContext(ctx).Info("fetch circuit reset via api")
	}
	return h.output(applied), nil
}
