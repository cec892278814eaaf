package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/ternhq/tern/internal/config"
)

// webhookClient is a dedicated HTTP client for webhook notifications.
// Separate from http.DefaultClient to avoid shared state and configure timeouts.
var webhookClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// Notification is the payload handed to the notifier for one alert event.
type Notification struct {
	To          string // project notification email; empty skips the email channel
	Project     string
	PolicyName  string
	Metric      string
	Threshold   float64
	Value       float64
	Severity    string
	TriggeredAt time.Time
}

// Subject renders the notification subject line.
func (n Notification) Subject() string {
	return fmt.Sprintf("[ALERT] %s violated", n.Metric)
}

// Body renders the notification body.
func (n Notification) Body() string {
	return fmt.Sprintf(
		"Alert triggered\n\nProject: %s\nPolicy: %s\nMetric: %s\nThreshold: %g\nActual value: %g\nSeverity: %s\nTriggered at: %s\n\nPlease investigate.\n",
		n.Project, n.PolicyName, n.Metric, n.Threshold, n.Value, n.Severity,
		n.TriggeredAt.UTC().Format(time.RFC3339))
}

// Channel delivers a notification to a single destination.
type Channel interface {
	Send(ctx context.Context, n Notification) error
}

// Notifier delivers alert notifications via configured channels.
// Notifications are queued and sent asynchronously so slow or unreachable
// channels never block the evaluator. Delivery is best-effort with retry;
// failures do not affect core state.
type Notifier struct {
	channels []Channel
	queue    chan Notification
	wg       sync.WaitGroup // tracks run goroutine
	pending  sync.WaitGroup // tracks queued-but-unprocessed items
	stopOnce sync.Once
}

// NewNotifier creates a Notifier from config. Safe to call with zero-value
// config; SendAlert becomes a no-op if no channels are enabled. If channels
// are configured, a background goroutine processes the queue — call Stop to
// shut it down.
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	var channels []Channel
	if cfg.Email.Enabled {
		channels = append(channels, &emailChannel{cfg: cfg.Email})
	}
	for i := range cfg.Webhooks {
		wh := &cfg.Webhooks[i]
		if wh.Enabled {
			channels = append(channels, newWebhookChannel(*wh))
		}
	}
	n := &Notifier{
		channels: channels,
		queue:    make(chan Notification, 64),
	}
	if len(channels) > 0 {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// HasChannels returns whether any notification channels are configured.
func (n *Notifier) HasChannels() bool {
	return len(n.channels) > 0
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for msg := range n.queue {
		for _, ch := range n.channels {
			sendWithRetry(context.Background(), ch, msg)
		}
		n.pending.Done()
	}
}

// SendAlert queues a notification for async delivery. If the queue is full,
// the notification is dropped with a warning. Never blocks the caller.
func (n *Notifier) SendAlert(msg Notification) {
	if len(n.channels) == 0 {
		return
	}
	n.pending.Add(1)
	select {
	case n.queue <- msg:
	default:
		n.pending.Done()
		slog.Warn("notification queue full, dropping", "project", msg.Project, "metric", msg.Metric)
	}
}

// Flush waits for all queued notifications to be processed.
func (n *Notifier) Flush() {
	n.pending.Wait()
}

// Stop closes the notification queue and waits for remaining items to drain.
// Safe to call multiple times.
func (n *Notifier) Stop() {
	if len(n.channels) == 0 {
		return
	}
	n.stopOnce.Do(func() { close(n.queue) })
	n.wg.Wait()
}

// sendWithRetry attempts to send a notification up to 3 times with backoff (1s, 3s).
// Retries abort early if ctx is cancelled.
func sendWithRetry(ctx context.Context, ch Channel, msg Notification) {
	backoffs := []time.Duration{1 * time.Second, 3 * time.Second}
	var err error
	for attempt := range 3 {
		err = ch.Send(ctx, msg)
		if err == nil {
			return
		}
		if attempt < len(backoffs) {
			slog.Warn("notification failed, retrying", "error", err, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				slog.Error("notification retry aborted", "error", ctx.Err())
				return
			case <-time.After(backoffs[attempt]):
			}
		}
	}
	slog.Error("notification failed after 3 attempts", "error", err)
}

// emailChannel sends notifications via SMTP to the project's email.
type emailChannel struct {
	cfg config.EmailConfig
}

func (e *emailChannel) Send(ctx context.Context, n Notification) error {
	if n.To == "" {
		slog.Warn("no email configured for project, skipping alert email", "project", n.Project)
		return nil
	}

	addr := net.JoinHostPort(e.cfg.SMTPHost, fmt.Sprintf("%d", e.cfg.SMTPPort))

	// Sanitize header values to prevent SMTP header injection.
	from := sanitizeHeader(e.cfg.From)
	to := sanitizeHeader(n.To)
	subject := sanitizeHeader(n.Subject())

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s",
		from, to, subject, time.Now().Format(time.RFC1123Z), n.Body())

	// Use a context-aware dialer so SMTP respects cancellation.
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// sanitizeHeader strips CR and LF characters to prevent SMTP header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// webhookChannel sends notifications via HTTP POST.
type webhookChannel struct {
	cfg  config.WebhookConfig
	tmpl *template.Template // nil = use default JSON payload
}

// webhookData is the data passed to webhook templates.
type webhookData struct {
	Project     string
	PolicyName  string
	Metric      string
	Threshold   float64
	Value       float64
	Severity    string
	TriggeredAt string
}

func newWebhookChannel(cfg config.WebhookConfig) *webhookChannel {
	wc := &webhookChannel{cfg: cfg}
	if cfg.Template != "" {
		// Template was already validated at config load time.
		wc.tmpl = template.Must(template.New("webhook").Parse(cfg.Template))
	}
	return wc
}

func (w *webhookChannel) Send(ctx context.Context, n Notification) error {
	var payload []byte
	if w.tmpl != nil {
		var buf bytes.Buffer
		data := webhookData{
			Project:     n.Project,
			PolicyName:  n.PolicyName,
			Metric:      n.Metric,
			Threshold:   n.Threshold,
			Value:       n.Value,
			Severity:    n.Severity,
			TriggeredAt: n.TriggeredAt.UTC().Format(time.RFC3339),
		}
		if err := w.tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("template execute: %w", err)
		}
		payload = buf.Bytes()
	} else {
		var err error
		payload, err = json.Marshal(map[string]string{
			"text": fmt.Sprintf("*%s*\n%s", n.Subject(), n.Body()),
		})
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	// Apply custom headers first (sanitize values), then set Content-Type
	// as default only if not overridden by a custom header.
	for k, v := range w.cfg.Headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
