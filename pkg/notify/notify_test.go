package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoticeString(t *testing.T) {
	n := Notice{
		Kind:   KindDeployed,
		Title:  "deployed skill work-create-bug",
		Body:   "tier 0 skill-create inside skills",
		Fields: map[string]string{"zone": "auto-notify", "rule": "allowlisted-change"},
	}

	assert.Equal(t,
		"[deployed] deployed skill work-create-bug\ntier 0 skill-create inside skills\n  rule: allowlisted-change\n  zone: auto-notify",
		n.String())
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriter(&buf)

	require.NoError(t, sink.Notify(context.Background(), Notice{Kind: KindQueued, Title: "queued"}))
	assert.Equal(t, "[queued] queued\n", buf.String())
}

func TestSlack(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewSlack(srv.URL).Notify(context.Background(), Notice{Kind: KindProposal, Title: "new proposal"})
	require.NoError(t, err)
	assert.Equal(t, "[proposal] new proposal", got["text"])
}

func TestSlack_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewSlack(srv.URL).Notify(context.Background(), Notice{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to post slack notice")
}

type failingSink struct{}

func (failingSink) Notify(context.Context, Notice) error { return errors.New("boom") }

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{failingSink{}, NewWriter(&buf), failingSink{}}

	err := m.Notify(context.Background(), Notice{Kind: KindResolved, Title: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, buf.String(), "done")

	require.NoError(t, Multi{}.Notify(context.Background(), Notice{}))
}

func TestSend(t *testing.T) {
	var buf bytes.Buffer
	Send(context.Background(), NewWriter(&buf), Notice{Kind: KindQueued, Title: "queued"})
	assert.Contains(t, buf.String(), "queued")

	// Failures and nil sinks are swallowed.
	Send(context.Background(), failingSink{}, Notice{Title: "x"})
	Send(context.Background(), nil, Notice{Title: "x"})
}
