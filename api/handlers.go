// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/soothill/tuya-energy-logger/monitoring"
	apperrors "github.com/soothill/tuya-energy-logger/pkg/errors"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
	"github.com/soothill/tuya-energy-logger/report"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// toggleResponse renders power_on only on the success shape, including when it is false
type toggleResponse struct {
	Success bool   `json:"success"`
	PowerOn *bool  `json:"power_on,omitempty"`
	Error   string `json:"error,omitempty"`
}

type energyResponse struct {
	EnergyKWh float64 `json:"energy_kwh"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// parseRange reads the optional from/to query bounds
func parseRange(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = monitoring.ParseTimestamp(v); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = monitoring.ParseTimestamp(v); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to is before from")
	}
	return from, to, nil
}

// storeFailure maps a history load error to a response
func storeFailure(w http.ResponseWriter, r *http.Request, err error) {
	logger.Error().Err(err).Str("request_id", RequestID(r.Context())).Msg("Failed to load history")
	if apperrors.IsPersistenceError(err) {
		writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeError(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	data := struct {
		DeviceID     string
		PollSeconds  int
		RefreshMilli int
	}{
		DeviceID:     s.cfg.DeviceID,
		PollSeconds:  int(s.cfg.PollInterval / time.Second),
		RefreshMilli: int(s.cfg.PollInterval / time.Millisecond),
	}
	if data.RefreshMilli <= 0 {
		data.RefreshMilli = int(monitoring.DefaultPollInterval / time.Millisecond)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Error().Err(err).Msg("Failed to render dashboard")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Snapshot(r.Context()))
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	result := s.backend.TogglePower(r.Context())
	if result.Error != "" {
		writeJSON(w, http.StatusOK, toggleResponse{Success: false, Error: result.Error})
		return
	}
	powerOn := result.PowerOn
	writeJSON(w, http.StatusOK, toggleResponse{Success: result.Success, PowerOn: &powerOn})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	history, err := s.backend.HistoryRange(r.Context(), from, to)
	if err != nil {
		storeFailure(w, r, err)
		return
	}
	if history == nil {
		history = []monitoring.Reading{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleEnergy(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := s.backend.Energy(r.Context(), from, to)
	if err != nil {
		storeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, energyResponse{EnergyKWh: monitoring.RoundKWh(result.KWh)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "xlsx"
	}
	if format != "xlsx" && format != "pdf" {
		writeError(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}

	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	history, err := s.backend.HistoryRange(r.Context(), from, to)
	if err != nil {
		storeFailure(w, r, err)
		return
	}

	energy := monitoring.IntegrateEnergy(history)
	monitoring.WarnSkipped(energy)

	rep := report.Report{
		DeviceID:  s.cfg.DeviceID,
		From:      from,
		To:        to,
		Generated: s.now(),
		History:   history,
		Energy:    energy,
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "pdf":
		body, err = report.BuildPDF(rep)
		contentType = "application/pdf"
	default:
		body, err = report.BuildXLSX(rep)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		logger.Error().Err(err).Str("format", format).Msg("Failed to build report")
		writeError(w, "failed to build report", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("energy-report-%s.%s", rep.Generated.Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logger.Error().Err(err).Msg("Failed to write report")
	}
}
