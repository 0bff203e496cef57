package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"bindery/internal/config"
)

const userAgent = "bindery/0.1.0"

// Event identifies a job lifecycle milestone.
type Event string

const (
	EventDownloadCompleted   Event = "download_completed"
	EventConversionCompleted Event = "conversion_completed"
	EventDelivered           Event = "delivered"
	EventError               Event = "error"
	EventQueueStarted        Event = "queue_started"
	EventQueueCompleted      Event = "queue_completed"
	EventTest                Event = "test"
)

// Payload carries event specific values. Known keys: title, files, bytes,
// count, processed, failed, duration, error, context.
type Payload map[string]any

// Service defines the notification surface exposed to workflow components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		enabled: map[Event]bool{
			EventDownloadCompleted:   cfg.Notifications.Downloads,
			EventQueueStarted:        cfg.Notifications.Downloads,
			EventQueueCompleted:      cfg.Notifications.Downloads,
			EventConversionCompleted: cfg.Notifications.Conversions,
			EventDelivered:           cfg.Notifications.Deliveries,
			EventError:               cfg.Notifications.Errors,
			EventTest:                true,
		},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	enabled  map[Event]bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	if n == nil || !n.enabled[event] {
		return nil
	}
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	title := payload.text("title")
	switch event {
	case EventDownloadCompleted:
		body := fmt.Sprintf("📥 Downloaded: %s", title)
		if files := payload.int("files"); files > 1 {
			body = fmt.Sprintf("%s (%d parts)", body, files)
		}
		if size := payload.int64("bytes"); size > 0 {
			body = fmt.Sprintf("%s, %s", body, humanize.IBytes(uint64(size)))
		}
		return message{
			title: "Bindery - Download Complete",
			body:  body,
			tags:  []string{"bindery", "download", "completed"},
		}, true
	case EventConversionCompleted:
		return message{
			title: "Bindery - Converted",
			body:  fmt.Sprintf("📚 Converted: %s", title),
			tags:  []string{"bindery", "convert", "completed"},
		}, true
	case EventDelivered:
		return message{
			title:    "Bindery - Sent",
			body:     fmt.Sprintf("✅ Sent to device: %s", title),
			tags:     []string{"bindery", "delivery", "sent"},
			priority: "high",
		}, true
	case EventQueueStarted:
		return message{
			title: "Bindery - Queue Started",
			body:  fmt.Sprintf("Started downloading queue with %d jobs", payload.int("count")),
			tags:  []string{"bindery", "queue", "started"},
		}, true
	case EventQueueCompleted:
		duration := payload.duration("duration").Round(time.Second)
		processed := payload.int("processed")
		failed := payload.int("failed")
		if failed == 0 {
			return message{
				title: "Bindery - Queue Complete",
				body:  fmt.Sprintf("Queue drained: %d jobs downloaded in %s", processed, duration),
				tags:  []string{"bindery", "queue", "completed"},
			}, true
		}
		return message{
			title: "Bindery - Queue Complete (with errors)",
			body:  fmt.Sprintf("Queue drained: %d downloaded, %d failed in %s", processed, failed, duration),
			tags:  []string{"bindery", "queue", "completed"},
		}, true
	case EventError:
		var b strings.Builder
		b.WriteString("❌ Error")
		if label := payload.text("context"); label != "" {
			b.WriteString(" with ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		if detail := payload.text("error"); detail != "" {
			b.WriteString(detail)
		} else {
			b.WriteString("unknown")
		}
		return message{
			title:    "Bindery - Error",
			body:     b.String(),
			tags:     []string{"bindery", "error", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "Bindery - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"bindery", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) int(key string) int {
	return int(p.int64(key))
}

func (p Payload) int64(key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (p Payload) duration(key string) time.Duration {
	if d, ok := p[key].(time.Duration); ok && d > 0 {
		return d
	}
	return 0
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
