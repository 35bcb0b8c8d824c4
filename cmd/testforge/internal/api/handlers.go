// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes a running orchestrator over HTTP and WebSocket.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Submit(t orchestrator.Task) (string, error)
	Cancel(id string) error
	CancelAll()
	Status(id string) (orchestrator.TaskStatus, bool)
	Statuses() []orchestrator.TaskStatus
	Stats() orchestrator.Stats
}

// SafetyView reports the watchdog state. *watchdog.Watchdog satisfies it.
type SafetyView interface {
	Tripped() bool
	Reason() string
	LastCount() int
	Ceiling() int
}

// ParseFunc decodes a task submission body.
type ParseFunc func(data []byte) ([]orchestrator.Task, error)

// =============================================================================
// Wire types
// =============================================================================

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`

	// Submitted lists tasks accepted before the failing one.
	Submitted []string `json:"submitted,omitempty"`
}

type SubmitResponse struct {
	TaskIDs []string `json:"task_ids"`
}

type WatchdogStatus struct {
	Enabled   bool   `json:"enabled"`
	Tripped   bool   `json:"tripped"`
	Reason    string `json:"reason,omitempty"`
	LastCount int    `json:"last_count"`
	Ceiling   int    `json:"ceiling"`
}

type StatusResponse struct {
	Stats    orchestrator.Stats        `json:"stats"`
	Tasks    []orchestrator.TaskStatus `json:"tasks"`
	Watchdog WatchdogStatus            `json:"watchdog"`
	Dropped  int64                     `json:"dropped_events"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 5 * time.Second

// Handlers serves the control API.
type Handlers struct {
	ctrl    Controller
	hub     *Hub
	safety  SafetyView
	parse   ParseFunc
	version string
	logger  *slog.Logger
}

// NewHandlers wires the API to an orchestrator. safety may be nil when the
// watchdog is disabled.
func NewHandlers(ctrl Controller, hub *Hub, safety SafetyView, parse ParseFunc, version string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ctrl:    ctrl,
		hub:     hub,
		safety:  safety,
		parse:   parse,
		version: version,
		logger:  logger.With(slog.String("component", "api")),
	}
}

// HandleHealth handles GET /healthz. It returns 503 once the watchdog has
// tripped, since the process will not accept work again.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if h.safety != nil && h.safety.Tripped() {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:  "aborted",
			Version: h.version,
			Reason:  h.safety.Reason(),
		})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// HandleSubmit handles POST /v1/tasks.
//
// # Description
//
// The body is a task document in YAML or JSON: a single task or a file
// with defaults and a task list. Tasks are submitted in order; the first
// failure stops the batch and is reported along with the IDs already
// accepted.
//
// # Responses
//
//	202 Accepted: SubmitResponse
//	400 Bad Request: unreadable body or invalid task
//	409 Conflict: duplicate task ID
//	503 Service Unavailable: submissions closed or orchestrator aborted
func (h *Handlers) HandleSubmit(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	tasks, err := h.parse(body)
	if err != nil {
		h.logger.Warn("rejected task submission", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_TASK"})
		return
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := h.ctrl.Submit(t)
		if err != nil {
			status, code := errorStatus(err)
			c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Submitted: ids})
			return
		}
		ids = append(ids, id)
	}
	h.logger.Info("tasks submitted", slog.Int("count", len(ids)))
	c.JSON(http.StatusAccepted, SubmitResponse{TaskIDs: ids})
}

// HandleListTasks handles GET /v1/tasks.
func (h *Handlers) HandleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Statuses())
}

// HandleGetTask handles GET /v1/tasks/:id.
func (h *Handlers) HandleGetTask(c *gin.Context) {
	st, ok := h.ctrl.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found", Code: "UNKNOWN_TASK"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleCancel handles DELETE /v1/tasks/:id.
func (h *Handlers) HandleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.ctrl.Cancel(id); err != nil {
		status, code := errorStatus(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	h.logger.Info("task cancelled via api", slog.String("task_id", id))
	c.Status(http.StatusAccepted)
}

// HandleCancelAll handles POST /v1/cancel-all.
func (h *Handlers) HandleCancelAll(c *gin.Context) {
	h.ctrl.CancelAll()
	h.logger.Info("all tasks cancelled via api")
	c.Status(http.StatusAccepted)
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	resp := StatusResponse{
		Stats: h.ctrl.Stats(),
		Tasks: h.ctrl.Statuses(),
	}
	if h.safety != nil {
		resp.Watchdog = WatchdogStatus{
			Enabled:   true,
			Tripped:   h.safety.Tripped(),
			Reason:    h.safety.Reason(),
			LastCount: h.safety.LastCount(),
			Ceiling:   h.safety.Ceiling(),
		}
	}
	if h.hub != nil {
		resp.Dropped = h.hub.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleEvents handles GET /v1/events. It upgrades to a WebSocket and
// streams every event as JSON until the client goes away or the stream
// ends. A client that cannot keep up misses events.
func (h *Handlers) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	events, unsubscribe := h.hub.Subscribe(256)
	defer unsubscribe()

	// The read side only detects the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sendJSON(ws, ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// errorStatus maps orchestrator errors to HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTask):
		return http.StatusBadRequest, "INVALID_TASK"
	case errors.Is(err, orchestrator.ErrDuplicateTask):
		return http.StatusConflict, "DUPLICATE_TASK"
	case errors.Is(err, orchestrator.ErrUnknownTask):
		return http.StatusNotFound, "UNKNOWN_TASK"
	case errors.Is(err, orchestrator.ErrTaskFinished):
		return http.StatusConflict, "TASK_FINISHED"
	case errors.Is(err, orchestrator.ErrSubmissionsClosed):
		return http.StatusServiceUnavailable, "SUBMISSIONS_CLOSED"
	case errors.Is(err, orchestrator.ErrAborted):
		return http.StatusServiceUnavailable, "ABORTED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
