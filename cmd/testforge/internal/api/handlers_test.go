// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/testforge/cmd/testforge/config"
	"github.com/AleutianAI/testforge/cmd/testforge/internal/orchestrator"
)

type fakeController struct {
	mu        sync.Mutex
	submitted []orchestrator.Task
	submitErr map[string]error
	cancelErr error
	cancelled []string
	cancelAll int
}

func (f *fakeController) Submit(t orchestrator.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[t.ID]; err != nil {
		return "", err
	}
	f.submitted = append(f.submitted, t)
	return t.ID, nil
}

func (f *fakeController) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeController) CancelAll() {
	f.mu.Lock()
	f.cancelAll++
	f.mu.Unlock()
}

func (f *fakeController) Status(id string) (orchestrator.TaskStatus, bool) {
	if id != "known" {
		return orchestrator.TaskStatus{}, false
	}
	return orchestrator.TaskStatus{ID: id, State: orchestrator.StateRunning, Attempts: 1}, true
}

func (f *fakeController) Statuses() []orchestrator.TaskStatus {
	return []orchestrator.TaskStatus{{ID: "known", State: orchestrator.StateRunning}}
}

func (f *fakeController) Stats() orchestrator.Stats {
	return orchestrator.Stats{Running: 1, Budget: orchestrator.Budget{Spent: 0.5, Limit: 2}}
}

type fakeSafety struct {
	tripped bool
}

func (s *fakeSafety) Tripped() bool { return s.tripped }

func (s *fakeSafety) Reason() string {
	if s.tripped {
		return "21 live workers exceed ceiling 20"
	}
	return ""
}

func (s *fakeSafety) LastCount() int { return 21 }
func (s *fakeSafety) Ceiling() int   { return 20 }

func newTestRouter(ctrl Controller, safety SafetyView) (*gin.Engine, *Hub) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	h := NewHandlers(ctrl, hub, safety, config.ParseTasks, "test", nil)
	return NewRouter(h, false), hub
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleSubmit(t *testing.T) {
	ctrl := &fakeController{}
	router, _ := newTestRouter(ctrl, nil)

	w := do(router, http.MethodPost, "/v1/tasks", `{"id": "a", "command": "echo hi", "priority": 2}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a"}, resp.TaskIDs)
	assert.Equal(t, 2, ctrl.submitted[0].Priority)

	w = do(router, http.MethodPost, "/v1/tasks", "defaults:\n  command: echo\ntasks:\n  - id: b\n  - id: c\n")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, ctrl.submitted, 3)
}

func TestHandleSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{"unparseable", nil, `{"command": `, http.StatusBadRequest, "INVALID_TASK"},
		{"missing command", nil, `{"id": "x"}`, http.StatusBadRequest, "INVALID_TASK"},
		{"duplicate", fmt.Errorf("%w: x", orchestrator.ErrDuplicateTask), `{"id": "x", "command": "echo"}`, http.StatusConflict, "DUPLICATE_TASK"},
		{"closed", orchestrator.ErrSubmissionsClosed, `{"id": "x", "command": "echo"}`, http.StatusServiceUnavailable, "SUBMISSIONS_CLOSED"},
		{"aborted", orchestrator.ErrAborted, `{"id": "x", "command": "echo"}`, http.StatusServiceUnavailable, "ABORTED"},
		{"invalid", orchestrator.ErrInvalidTask, `{"id": "x", "command": "echo"}`, http.StatusBadRequest, "INVALID_TASK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{submitErr: map[string]error{"x": tt.err}}
			router, _ := newTestRouter(ctrl, nil)
			w := do(router, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, tt.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestHandleSubmit_ReportsPartialBatch(t *testing.T) {
	ctrl := &fakeController{submitErr: map[string]error{"b": orchestrator.ErrDuplicateTask}}
	router, _ := newTestRouter(ctrl, nil)

	w := do(router, http.MethodPost, "/v1/tasks", "tasks:\n  - {id: a, command: echo}\n  - {id: b, command: echo}\n  - {id: c, command: echo}\n")
	assert.Equal(t, http.StatusConflict, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"a"}, resp.Submitted)
	assert.Len(t, ctrl.submitted, 1)
}

func TestHandleCancel(t *testing.T) {
	ctrl := &fakeController{}
	router, _ := newTestRouter(ctrl, nil)

	assert.Equal(t, http.StatusAccepted, do(router, http.MethodDelete, "/v1/tasks/a", "").Code)
	assert.Equal(t, []string{"a"}, ctrl.cancelled)

	ctrl.cancelErr = orchestrator.ErrUnknownTask
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodDelete, "/v1/tasks/zz", "").Code)
	ctrl.cancelErr = orchestrator.ErrTaskFinished
	assert.Equal(t, http.StatusConflict, do(router, http.MethodDelete, "/v1/tasks/a", "").Code)

	assert.Equal(t, http.StatusAccepted, do(router, http.MethodPost, "/v1/cancel-all", "").Code)
	assert.Equal(t, 1, ctrl.cancelAll)
}

func TestHandleGetAndList(t *testing.T) {
	router, _ := newTestRouter(&fakeController{}, nil)

	w := do(router, http.MethodGet, "/v1/tasks/known", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/v1/tasks/other", "").Code)

	w = do(router, http.MethodGet, "/v1/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []orchestrator.TaskStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHandleStatusAndHealth(t *testing.T) {
	safety := &fakeSafety{}
	router, _ := newTestRouter(&fakeController{}, safety)

	w := do(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Stats.Running)
	assert.Equal(t, 0.5, st.Stats.Budget.Spent)
	assert.True(t, st.Watchdog.Enabled)
	assert.Equal(t, 20, st.Watchdog.Ceiling)

	safety.tripped = true
	w = do(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "exceed ceiling")
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(&fakeController{}, nil)
	w := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestHandleEvents_StreamsOverWebSocket(t *testing.T) {
	router, hub := newTestRouter(&fakeController{}, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Publish(orchestrator.Event{Kind: orchestrator.EventSucceeded, TaskID: "a", Cost: 0.25})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got orchestrator.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, orchestrator.EventSucceeded, got.Kind)
	assert.Equal(t, 0.25, got.Cost)

	// Closing the hub ends the stream with a normal close.
	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServer_ShutsDownWithContext(t *testing.T) {
	router, _ := newTestRouter(&fakeController{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(ln.Addr().String(), router, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}
