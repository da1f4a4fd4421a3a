// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/mqttlab/client"
	"github.com/absmach/mqttlab/config"
	"github.com/absmach/mqttlab/lifecycle"
	"github.com/absmach/mqttlab/supervisor"
)

// Controller is the set of operator actions the API exposes.
type Controller interface {
	Start(ctx context.Context, component string) error
	Stop(ctx context.Context, component string) error
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topic string) error
	SetPort(text string) (int, error)
	ClearRetained() error
	Status() supervisor.Status
}

type handler struct {
	ctrl   Controller
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler returns the control API routes.
func NewHandler(ctrl Controller, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{ctrl: ctrl, logger: logger, now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/{component}/start", h.handleStart)
	mux.HandleFunc("POST /v1/{component}/stop", h.handleStop)
	mux.HandleFunc("POST /v1/publish", h.handlePublish)
	mux.HandleFunc("POST /v1/subscribe", h.handleSubscribe)
	mux.HandleFunc("GET /v1/payload", h.handlePayload)
	mux.HandleFunc("PUT /v1/port", h.handlePort)
	mux.HandleFunc("DELETE /v1/retained", h.handleClearRetained)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	return mux
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

type subscribeRequest struct {
	Topic string `json:"topic"`
}

// portRequest carries the port as operator text, e.g. "1883".
type portRequest struct {
	Port string `json:"port"`
}

type payloadResponse struct {
	Payload string `json:"payload"`
}

type portResponse struct {
	Port int `json:"port"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) handleStart(w http.ResponseWriter, r *http.Request) {
	component := r.PathValue("component")
	if err := h.ctrl.Start(r.Context(), component); err != nil {
		h.fail(w, "start", err)
		return
	}
	h.writeStatus(w)
}

func (h *handler) handleStop(w http.ResponseWriter, r *http.Request) {
	component := r.PathValue("component")
	if err := h.ctrl.Stop(r.Context(), component); err != nil {
		h.fail(w, "stop", err)
		return
	}
	h.writeStatus(w)
}

func (h *handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.logger.Debug("api_publish",
		slog.String("topic", req.Topic),
		slog.Int("payload_size", len(req.Payload)))

	if err := h.ctrl.Publish(r.Context(), req.Topic, req.Payload); err != nil {
		h.fail(w, "publish", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ctrl.Subscribe(r.Context(), req.Topic); err != nil {
		h.fail(w, "subscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handlePayload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, payloadResponse{Payload: supervisor.GeneratePayload(h.now())})
}

func (h *handler) handlePort(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	if !h.decode(w, r, &req) {
		return
	}
	port, err := h.ctrl.SetPort(req.Port)
	if err != nil {
		h.fail(w, "set_port", err)
		return
	}
	writeJSON(w, http.StatusOK, portResponse{Port: port})
}

func (h *handler) handleClearRetained(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ClearRetained(); err != nil {
		h.fail(w, "clear_retained", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeStatus(w)
}

func (h *handler) writeStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Warn("api_invalid_request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return false
	}
	return true
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("api_request_failed", slog.String("op", op), slog.String("error", err.Error()))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, config.ErrInvalidPort),
		errors.Is(err, client.ErrInvalidTopic),
		errors.Is(err, client.ErrInvalidQoS):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrBrokerRunning),
		errors.Is(err, lifecycle.ErrStopping):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrStartup):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
