// Package notify delivers human-readable alerts and approval prompts to the
// chat channel. Messages are queued and retried with backoff; persistent
// delivery failure is logged as a degraded-notification condition but never
// blocks remediation work.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/makdo-io/makdo/internal/types"
)

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makdo_notifications_sent_total",
			Help: "Total notifications delivered to the chat channel",
		},
		[]string{"kind"},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "makdo_notification_failures_total",
			Help: "Total notification delivery attempts that failed",
		},
	)
	degradedDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "makdo_notifications_degraded_total",
			Help: "Notifications abandoned after exhausting retries",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(deliveryFailures)
	prometheus.MustRegister(degradedDeliveries)
}

// Sender posts a message to one chat channel. Implemented by pkg/slack.
type Sender interface {
	PostMessage(ctx context.Context, channel, text string) error
}

type outbound struct {
	kind    string
	channel string
	text    string
}

// Notifier queues outbound messages and drains them with bounded retries.
type Notifier struct {
	sender  Sender
	channel string
	retries int
	backoff time.Duration
	queue   chan outbound
	log     *logrus.Logger
}

// New creates a notifier posting to the given channel.
func New(sender Sender, channel string, retries int, backoff time.Duration, log *logrus.Logger) *Notifier {
	if retries <= 0 {
		retries = 5
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Notifier{
		sender:  sender,
		channel: channel,
		retries: retries,
		backoff: backoff,
		queue:   make(chan outbound, 1024),
		log:     log,
	}
}

// Run drains the queue until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

// PostPrompt queues an approval prompt for delivery.
func (n *Notifier) PostPrompt(prompt *types.ApprovalPrompt) {
	channel := prompt.Channel
	if channel == "" {
		channel = n.channel
	}
	n.enqueue(outbound{kind: "prompt", channel: channel, text: prompt.Message})
}

// PostSummary queues a summary or alert message for delivery.
func (n *Notifier) PostSummary(text string) {
	n.enqueue(outbound{kind: "summary", channel: n.channel, text: text})
}

func (n *Notifier) enqueue(msg outbound) {
	select {
	case n.queue <- msg:
	default:
		// Queue exhaustion is itself a degraded-notification condition;
		// make it loud rather than block the coordinator.
		degradedDeliveries.Inc()
		n.log.WithField("kind", msg.kind).Error("Notification queue full, message dropped")
	}
}

// deliver retries with exponential backoff up to the configured attempt
// budget, then logs the message as degraded.
func (n *Notifier) deliver(ctx context.Context, msg outbound) {
	backoff := n.backoff
	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		err := n.sender.PostMessage(ctx, msg.channel, msg.text)
		if err == nil {
			messagesSent.WithLabelValues(msg.kind).Inc()
			return
		}
		lastErr = err
		deliveryFailures.Inc()
		n.log.WithError(err).WithFields(logrus.Fields{
			"kind":    msg.kind,
			"attempt": attempt,
		}).Warn("Notification delivery failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	degradedDeliveries.Inc()
	n.log.WithError(lastErr).WithFields(logrus.Fields{
		"kind":    msg.kind,
		"channel": msg.channel,
		"text":    truncate(msg.text, 200),
	}).Error(fmt.Sprintf("Notification delivery degraded after %d attempts", n.retries))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
