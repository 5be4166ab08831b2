// Package notify delivers change notifications through pluggable providers.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Provider defines the interface for delivery implementations.
type Provider interface {
	// Send sends a message with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

const defaultTimeout = 2 * time.Minute

// Dispatcher sends notifications in the background. Delivery failures are
// logged and never reach the caller.
type Dispatcher struct {
	provider Provider
	logger   *slog.Logger
	to       string
	baseURL  string // for the "view" link
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. With a nil provider or no recipient,
// notifications are only logged.
func NewDispatcher(provider Provider, to, baseURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		logger:   logger,
		to:       to,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		timeout:  defaultTimeout,
	}
}

// Notify delivers one notification. id names the target the notification
// is about; clicking the link resolves it back to that target.
func (d *Dispatcher) Notify(id, title, message string) {
	if d.provider == nil || d.to == "" {
		d.logger.Info("Notification", "id", id, "title", title, "message", message)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		body, err := d.body(id, message)
		if err != nil {
			d.logger.Error("Failed to render notification", "id", id, "error", err)
			return
		}
		if err := d.provider.Send(ctx, d.to, title, body); err != nil {
			d.logger.Warn("Failed to deliver notification", "id", id, "to", d.to, "error", err)
			return
		}
		d.logger.Info("Notification delivered", "id", id, "to", d.to)
	}()
}

// Wait blocks until in-flight notifications finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) body(id, message string) (string, error) {
	var b bytes.Buffer
	err := templates.ExecuteTemplate(&b, "notification.tmpl", map[string]string{
		"Target":  id,
		"Message": message,
		"Link":    fmt.Sprintf("%s/open?target=%s", d.baseURL, url.QueryEscape(id)),
	})
	if err != nil {
		return "", fmt.Errorf("render notification: %w", err)
	}
	return b.String(), nil
}
