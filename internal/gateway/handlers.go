// Package gateway exposes the fleet backend as an HTTP JSON API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/fleetrpc"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.writeJSON(w, code, errorResponse{Error: message, RequestID: RequestIDFrom(r.Context())})
}

// writeBackendError maps a backend status to an HTTP response. Client errors
// keep the backend message; everything else becomes "failed to compute <what>".
func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, what string, err error) {
	st := status.Convert(err)
	switch st.Code() {
	case codes.InvalidArgument:
		s.writeError(w, r, http.StatusBadRequest, st.Message())
		return
	case codes.NotFound:
		s.writeError(w, r, http.StatusNotFound, st.Message())
		return
	}

	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.Unavailable:
		code = http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		code = http.StatusGatewayTimeout
	}

	s.logger.Error("backend call failed",
		"what", what,
		"code", st.Code().String(),
		"error", st.Message(),
		"request_id", RequestIDFrom(r.Context()),
	)
	s.writeError(w, r, code, "failed to compute "+what)
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// parsePageRequest reads page and page_size, rejecting values the engine
// would refuse before any backend call is made.
func parsePageRequest(r *http.Request) (fleet.PageRequest, error) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		return fleet.PageRequest{}, err
	}
	size, err := queryInt(r, "page_size", fleet.DefaultPageSize)
	if err != nil {
		return fleet.PageRequest{}, err
	}

	req := fleet.PageRequest{Page: page, PageSize: size}
	if err := req.Validate(); err != nil {
		return fleet.PageRequest{}, err
	}
	return req, nil
}

func (s *Server) callContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

// handleRankDevices serves one page of the anomaly-prioritized ranking.
func (s *Server) handleRankDevices(w http.ResponseWriter, r *http.Request) {
	pageReq, err := parsePageRequest(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.RankDevices(ctx, &fleetrpc.RankDevicesRequest{
		Page:     pageReq.Page,
		PageSize: pageReq.PageSize,
	})
	if err != nil {
		s.writeBackendError(w, r, "ranking", err)
		return
	}

	if resp.Items == nil {
		resp.Items = []fleetrpc.DeviceRowView{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetDevice serves the drill-down view of one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		s.writeError(w, r, http.StatusBadRequest, "device key cannot be empty")
		return
	}

	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.GetDevice(ctx, &fleetrpc.GetDeviceRequest{DeviceKey: key})
	if err != nil {
		s.writeBackendError(w, r, "device detail", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleFleetSummary serves the fleet-wide report header.
func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.FleetSummary(ctx, &fleetrpc.FleetSummaryRequest{})
	if err != nil {
		s.writeBackendError(w, r, "fleet summary", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleCycleCounts serves per-device cycle estimates over ?hours (default 720).
func (s *Server) handleCycleCounts(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 0)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if hours < 0 {
		s.writeError(w, r, http.StatusBadRequest, "hours cannot be negative")
		return
	}

	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.CycleCounts(ctx, &fleetrpc.CycleCountsRequest{Hours: hours})
	if err != nil {
		s.writeBackendError(w, r, "cycle counts", err)
		return
	}

	if resp.Items == nil {
		resp.Items = []fleetrpc.CycleCountView{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListCycleTally(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.ListCycleTally(ctx, &fleetrpc.ListCycleTallyRequest{})
	if err != nil {
		s.writeBackendError(w, r, "cycle tally", err)
		return
	}

	if resp.Items == nil {
		resp.Items = []fleetrpc.TallyEntryView{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIncrementCycleTally(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.IncrementCycleTally(ctx, &fleetrpc.IncrementCycleTallyRequest{})
	if err != nil {
		s.writeBackendError(w, r, "cycle tally increment", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetCycleTally(w http.ResponseWriter, r *http.Request) {
	var req fleetrpc.SetCycleTallyRequest

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body cannot be empty"
		}
		s.writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	if strings.TrimSpace(req.BatteryID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "battery_id is required")
		return
	}
	if req.TotalCycles == nil {
		s.writeError(w, r, http.StatusBadRequest, "total_cycles is required")
		return
	}

	ctx, cancel := s.callContext(r)
	defer cancel()

	resp, err := s.client.SetCycleTally(ctx, &req)
	if err != nil {
		s.writeBackendError(w, r, "cycle tally update", err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth serves health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		s.logger.Error("failed to write health response", "error", err)
	}
}
