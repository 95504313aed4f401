// Package notify raises out-of-band alerts for security and connectivity
// events via shoutrrr service URLs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
)

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the shoutrrr library.
type ShoutrrrSender struct{}

// Send implements Sender.
func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier fans alert messages out to the configured shoutrrr URLs.
// Dispatch is asynchronous so a slow notification service never stalls the
// request path.
type Notifier struct {
	enabled bool
	urls    []string
	sender  Sender
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier. sender may be nil to use shoutrrr.
func NewNotifier(enabled bool, urls []string, sender Sender, logger *slog.Logger) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{
		enabled: enabled && len(urls) > 0,
		urls:    urls,
		sender:  sender,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyIPBlocked alerts on a malicious-level IP block.
func (n *Notifier) NotifyIPBlocked(ctx context.Context, ip, level string, duration time.Duration) {
	n.notify(ctx, fmt.Sprintf("[%s] IP %s blocked for %s after repeated rate-limit violations",
		level, ip, duration))
}

// NotifyConnectionLost alerts when an installation drops offline.
func (n *Notifier) NotifyConnectionLost(ctx context.Context, installationID string, failures int) {
	n.notify(ctx, fmt.Sprintf("[OFFLINE] installation %s unreachable after %d consecutive failed checks",
		installationID, failures))
}

// Close waits for in-flight dispatches to finish. Used on shutdown.
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) notify(ctx context.Context, message string) {
	if !n.enabled {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, url := range n.urls {
			if err := n.sender.Send(url, message); err != nil {
				n.logger.WarnContext(ctx, "notification not delivered",
					slog.String("error", err.Error()),
				)
				continue
			}
			n.logger.DebugContext(ctx, "notification sent")
		}
	}()
}
