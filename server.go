package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"stagelink.io/dspgw/dsp"
	"stagelink.io/dspgw/sym"
)

// ControlRecord is the JSON shape of one (controller, value) pair.
type ControlRecord struct {
	ID    int `json:"id"`
	Value int `json:"value"`
}

func toControlRecords(records []sym.Record) []ControlRecord {
	out := make([]ControlRecord, len(records))
	for i, r := range records {
		out[i] = ControlRecord{ID: r.ID, Value: r.Value}
	}
	return out
}

// Server handles incoming HTTP requests for interacting with the
// configured device instance
type Server struct {
	Logger *slog.Logger
	Device *dsp.Device
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /controls/{id}", s.handleGetControl)
	mux.HandleFunc("POST /controls/{id}", s.handleSetControl)
	mux.HandleFunc("GET /controls", s.handleGetBlock)
	mux.HandleFunc("GET /preset", s.handleGetPreset)
	mux.HandleFunc("POST /presets/{n}", s.handleLoadPreset)
	mux.HandleFunc("POST /reboot", s.handleReboot)
	mux.HandleFunc("POST /flash", s.handleFlash)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusFor maps engine errors to HTTP status codes: bad input is the
// caller's fault, NAK is the unit refusing, a silent unit is a timeout.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dsp.ErrInvalidControl),
		errors.Is(err, dsp.ErrInvalidValue),
		errors.Is(err, dsp.ErrInvalidDelta),
		errors.Is(err, dsp.ErrInvalidBlock),
		errors.Is(err, dsp.ErrInvalidPreset),
		errors.Is(err, dsp.ErrInvalidInterval),
		errors.Is(err, dsp.ErrInvalidRange),
		errors.Is(err, dsp.ErrEmptyName):
		return http.StatusBadRequest
	case errors.Is(err, dsp.ErrNegativeAck):
		return http.StatusBadGateway
	case errors.Is(err, dsp.ErrReplyTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func pathInt(r *http.Request, name string) (int, error) {
	return strconv.Atoi(r.PathValue(name))
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.sendError(w, "control id must be an integer", http.StatusBadRequest)
		return
	}

	value, err := s.Device.GetControl(r.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to get control", "error", err, "id", id)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	s.sendJSON(w, ControlRecord{ID: id, Value: value})
}

func (s *Server) handleSetControl(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		s.sendError(w, "control id must be an integer", http.StatusBadRequest)
		return
	}

	type SetRequest struct {
		Value *int `json:"value,omitempty"`
		Delta *int `json:"delta,omitempty"`
	}
	var req SetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (req.Value == nil) == (req.Delta == nil) {
		s.sendError(w, "exactly one of 'value' or 'delta' is required", http.StatusBadRequest)
		return
	}

	if req.Value != nil {
		err = s.Device.SetControl(r.Context(), id, *req.Value)
	} else {
		err = s.Device.ChangeControl(r.Context(), id, *req.Delta)
	}
	if err != nil {
		s.Logger.Error("Failed to set control", "error", err, "id", id)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	start, err := strconv.Atoi(r.URL.Query().Get("start"))
	if err != nil {
		s.sendError(w, "'start' query parameter must be an integer", http.StatusBadRequest)
		return
	}
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if err != nil {
		s.sendError(w, "'count' query parameter must be an integer", http.StatusBadRequest)
		return
	}

	records, err := s.Device.GetControlBlock(r.Context(), start, count)
	if err != nil {
		s.Logger.Error("Failed to get control block", "error", err, "start", start, "count", count)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	s.sendJSON(w, toControlRecords(records))
}

func (s *Server) handleGetPreset(w http.ResponseWriter, r *http.Request) {
	preset, err := s.Device.GetPreset(r.Context())
	if err != nil {
		s.Logger.Error("Failed to get preset", "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	type PresetResponse struct {
		Preset int `json:"preset"`
	}
	s.sendJSON(w, PresetResponse{Preset: preset})
}

func (s *Server) handleLoadPreset(w http.ResponseWriter, r *http.Request) {
	n, err := pathInt(r, "n")
	if err != nil {
		s.sendError(w, "preset number must be an integer", http.StatusBadRequest)
		return
	}

	if err := s.Device.LoadPreset(r.Context(), n); err != nil {
		s.Logger.Error("Failed to load preset", "error", err, "preset", n)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	if err := s.Device.Reboot(r.Context()); err != nil {
		s.Logger.Error("Failed to reboot device", "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	s.Logger.Info("Device reboot accepted")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	count := 4
	if q := r.URL.Query().Get("count"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			s.sendError(w, "'count' query parameter must be an integer", http.StatusBadRequest)
			return
		}
		count = n
	}

	if err := s.Device.FlashPanel(r.Context(), count); err != nil {
		s.Logger.Error("Failed to flash panel", "error", err)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}
