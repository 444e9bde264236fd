package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jingkaihe/autoskill/pkg/assistant"
	"github.com/jingkaihe/autoskill/pkg/clock"
	"github.com/jingkaihe/autoskill/pkg/config"
	"github.com/jingkaihe/autoskill/pkg/db"
	"github.com/jingkaihe/autoskill/pkg/executor"
	"github.com/jingkaihe/autoskill/pkg/notify"
	"github.com/jingkaihe/autoskill/pkg/version"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const findNotesYAML = `name: find-notes
version: 1.0.0
description: Search my notes
triggers:
  - type: phrase
    phrase: find my notes
process:
  steps:
    - id: search
      tool: notion_search
`

type okTools struct{}

func (okTools) ExecuteTool(_ context.Context, name string, _ map[string]any) executor.ToolResult {
	return executor.ToolResult{Success: true, Result: map[string]any{"tool": name}}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	base := t.TempDir()
	t.Setenv(db.BasePathEnv, base)

	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	cfg.Skills.Dirs = []string{filepath.Join(base, "skills", "local")}
	cfg.Tools.Dirs = []string{filepath.Join(base, "tools")}

	dir := filepath.Join(base, "skills", "local", "find-notes")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte(findNotesYAML), 0o644))

	a, err := assistant.New(context.Background(), cfg,
		assistant.WithClock(clock.NewFake(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))),
		assistant.WithSink(notify.Discard{}),
		assistant.WithToolDispatcher(okTools{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := NewServer(a, &ServerConfig{Host: "localhost", Port: 8080})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ServerConfig
		wantErr string
	}{
		{name: "valid", config: ServerConfig{Host: "localhost", Port: 8080}},
		{name: "empty host", config: ServerConfig{Port: 8080}, wantErr: "host cannot be empty"},
		{name: "port zero", config: ServerConfig{Host: "localhost"}, wantErr: "port must be between"},
		{name: "port too high", config: ServerConfig{Host: "localhost", Port: 70000}, wantErr: "port must be between"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	w, body := do(t, s, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["skills"])
	assert.EqualValues(t, 0, body["running"])
	assert.EqualValues(t, os.Getpid(), body["pid"])
	assert.Equal(t, version.Get().Version, body["version"])
}

func TestHandleEvent(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, "POST", "/api/events", map[string]any{"text": "find my notes"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "succeeded", result["status"])
	assert.Equal(t, "find-notes", result["skill"])

	w, body = do(t, s, "POST", "/api/events", map[string]any{"text": "water the plants"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, body["result"])
	assert.Equal(t, "no skill matched", body["reason"])
}

func TestHandleEvent_BadBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/events", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "invalid request body", body["error"])
}

func TestHandleMatch(t *testing.T) {
	s := newTestServer(t)
	w, body := do(t, s, "POST", "/api/events/match", map[string]any{"text": "find my notes please"})
	require.Equal(t, http.StatusOK, w.Code)
	matches, ok := body["matches"].([]any)
	require.True(t, ok)
	require.Len(t, matches, 1)

	w, body = do(t, s, "POST", "/api/events/match", map[string]any{"text": "nothing relevant"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["matches"])
}

func TestSkills(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, "GET", "/api/skills", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list, ok := body["skills"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	w, body = do(t, s, "GET", "/api/skills/find-notes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"notion_search"}, body["tools_used"])

	w, _ = do(t, s, "GET", "/api/skills/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, s, "POST", "/api/skills/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, s, "POST", "/api/skills/find-notes/run", map[string]any{"text": "anything"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "succeeded", body["result"].(map[string]any)["status"])
}

func TestSkills_EnableDisable(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, "POST", "/api/skills/find-notes/disable", map[string]any{"reason": "too noisy"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, body["enabled"])

	_, body = do(t, s, "POST", "/api/events", map[string]any{"text": "find my notes"})
	assert.Nil(t, body["result"])

	w, _ = do(t, s, "POST", "/api/skills/find-notes/enable", nil)
	require.Equal(t, http.StatusOK, w.Code)

	_, body = do(t, s, "POST", "/api/events", map[string]any{"text": "find my notes"})
	assert.NotNil(t, body["result"])

	w, _ = do(t, s, "POST", "/api/skills/missing/disable", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutions(t *testing.T) {
	s := newTestServer(t)

	w, body := do(t, s, "GET", "/api/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["running"])

	w, body = do(t, s, "POST", "/api/executions/exec-1/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "exec-1")
}

func TestClassifyAndQueue(t *testing.T) {
	s := newTestServer(t)
	skill := map[string]any{
		"name":        "post-digest",
		"version":     "1.0.0",
		"description": "Post a digest",
		"enabled":     true,
		"triggers":    []any{map[string]any{"type": "phrase", "phrase": "post the digest"}},
		"process":     map[string]any{"steps": []any{map[string]any{"id": "post", "tool": "slack_post"}}},
	}
	op := map[string]any{"type": "skill-create"}

	w, body := do(t, s, "POST", "/api/classify", map[string]any{"operation": op, "skill": skill})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "approve", body["classification"].(map[string]any)["zone"])

	w, _ = do(t, s, "GET", "/api/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, "POST", "/api/classify", map[string]any{"operation": op, "skill": skill, "submit": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["queued"])
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	_, body = do(t, s, "GET", "/api/queue?status=pending", nil)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	w, _ = do(t, s, "POST", "/api/queue/"+id+"/reject", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, s, "POST", "/api/queue/"+id+"/reject", map[string]any{"reason": "not now"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "rejected", body["status"])

	w, _ = do(t, s, "POST", "/api/queue/"+id+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, s, "POST", "/api/queue/unknown-id/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, body = do(t, s, "GET", "/api/queue?status=pending", nil)
	assert.Empty(t, body["items"])
}

func TestClassify_RequiresType(t *testing.T) {
	s := newTestServer(t)
	w, body := do(t, s, "POST", "/api/classify", map[string]any{"operation": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "operation type is required", body["error"])
}

func TestQueueCommands(t *testing.T) {
	s := newTestServer(t)

	w, _ := do(t, s, "POST", "/api/queue/commands", map[string]any{"text": "frobnicate 1234"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := do(t, s, "POST", "/api/queue/commands", map[string]any{"text": "approve all"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, body["outcomes"])
}

func TestDeploymentsAndRollback(t *testing.T) {
	s := newTestServer(t)
	skill := map[string]any{
		"name":        "quick-lookup",
		"version":     "1.0.0",
		"description": "Look something up",
		"enabled":     true,
		"triggers":    []any{map[string]any{"type": "phrase", "phrase": "quick lookup"}},
		"process":     map[string]any{"steps": []any{map[string]any{"id": "search", "tool": "notion_search"}}},
	}

	w, body := do(t, s, "POST", "/api/classify", map[string]any{
		"operation": map[string]any{"type": "skill-create"},
		"skill":     skill,
		"submit":    true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, true, body["applied"])

	_, body = do(t, s, "GET", "/api/deployments", nil)
	deployments, ok := body["deployments"].([]any)
	require.True(t, ok)
	require.Len(t, deployments, 1)

	w, body = do(t, s, "POST", "/api/deployments/quick-lookup/rollback", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])

	w, body = do(t, s, "POST", "/api/deployments/quick-lookup/rollback", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["reason"], "no tracked deployment")
}

func TestDetect(t *testing.T) {
	s := newTestServer(t)
	w, body := do(t, s, "POST", "/api/detect", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, body, "proposals")
}
