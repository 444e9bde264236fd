// Package notify delivers one-way notices to humans. Notices are plain
// structured text; sinks decide how to present them.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/pkg/errors"
	"github.com/slack-go/slack"
)

// Kind classifies a notice.
type Kind string

// Kind constants
const (
	KindDeployed     Kind = "deployed"
	KindProposal     Kind = "proposal"
	KindQueued       Kind = "queued"
	KindRolledBack   Kind = "rolled-back"
	KindAutoDisabled Kind = "auto-disabled"
	KindResolved     Kind = "resolved"
)

// Notice is a human-readable message with optional key/value details.
type Notice struct {
	Kind   Kind              `json:"kind"`
	Title  string            `json:"title"`
	Body   string            `json:"body,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	SentAt time.Time         `json:"sent_at"`
}

// String renders the notice as plain text, fields sorted by key.
func (n Notice) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", n.Kind, n.Title)
	if n.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(n.Body)
	}
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n  %s: %s", k, n.Fields[k])
	}
	return sb.String()
}

// Sink receives notices.
type Sink interface {
	Notify(ctx context.Context, n Notice) error
}

// Discard drops every notice.
type Discard struct{}

// Notify implements Sink.
func (Discard) Notify(context.Context, Notice) error { return nil }

// Writer writes notices to an io.Writer, one block per notice.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a writer sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Notify implements Sink.
func (s *Writer) Notify(_ context.Context, n Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, n.String())
	return errors.Wrap(err, "failed to write notice")
}

// Slack posts notices to an incoming webhook.
type Slack struct {
	url    string
	client *http.Client
}

// NewSlack creates a Slack incoming-webhook sink.
func NewSlack(webhookURL string) *Slack {
	return &Slack{url: webhookURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify implements Sink.
func (s *Slack) Notify(ctx context.Context, n Notice) error {
	msg := &slack.WebhookMessage{Text: n.String()}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return errors.Wrap(err, "failed to post slack notice")
	}
	return nil
}

// Multi fans a notice out to several sinks. Every sink is tried; failures
// are aggregated.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Send stamps and delivers n, logging instead of failing when the sink
// errors. Notices are best effort.
func Send(ctx context.Context, sink Sink, n Notice) {
	if sink == nil {
		return
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	if err := sink.Notify(ctx, n); err != nil {
		logger.G(ctx).WithError(err).WithField("notice", n.Title).Warn("failed to deliver notice")
	}
}
