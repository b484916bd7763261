// Package notify announces finished builds to the changeset author.
// Notifications are published to the bitten.notifications topic, where mailers
// and chat bridges pick them up.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitten-master/src/broker"
	"bitten-master/src/config"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
	"bitten-master/src/store"
)

// Group is the consumer group of the notifier.
const Group = "bitten-notify"

var readableStatus = map[contracts.BuildStatus]string{
	contracts.BuildCompleted: "Successful",
	contracts.BuildFailed:    "Failed",
}

// Notifier consumes build events and publishes notifications.
type Notifier struct {
	broker broker.Broker
	store  store.Store
	opts   config.NotifyConfig
	group  string
	logger logger.Logger
}

// New creates a notifier.
func New(brk broker.Broker, s store.Store, opts config.NotifyConfig, log logger.Logger) *Notifier {
	return &Notifier{broker: brk, store: s, opts: opts, group: Group, logger: log}
}

// WithGroup changes the consumer group, so several masters sharing a cluster
// each notify once.
func (n *Notifier) WithGroup(group string) *Notifier {
	if group != "" {
		n.group = group
	}
	return n
}

// Run subscribes to bitten.builds and notifies until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("[Notifier] Starting...")

	msgChan, err := n.broker.Subscribe(ctx, contracts.TopicBuildEvents, n.group)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", contracts.TopicBuildEvents, err)
	}

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				n.logger.Info("[Notifier] Message channel closed, shutting down")
				return nil
			}
			if err := n.process(ctx, msg); err != nil {
				n.logger.Error("[Notifier] Error processing build event: %v", err)
			}

		case <-ctx.Done():
			n.logger.Info("[Notifier] Context cancelled, shutting down")
			return ctx.Err()
		}
	}
}

func (n *Notifier) process(ctx context.Context, msg broker.Message) error {
	var ev contracts.BuildEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("failed to unmarshal build event: %w", err)
	}
	if ev.Type != contracts.EventBuildCompleted || !n.ShouldNotify(ev.Build) {
		return nil
	}

	note, err := n.Compose(ctx, ev.Build)
	if err != nil {
		return err
	}
	if err := broker.PublishJSON(ctx, n.broker, contracts.TopicNotifications, note.Config, note); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	n.logger.Info("[Notifier] %s (to %s)", note.Subject, strings.Join(note.Recipients, ", "))
	return nil
}

// ShouldNotify reports whether the outcome of b is configured to be announced.
func (n *Notifier) ShouldNotify(b contracts.Build) bool {
	switch b.Status {
	case contracts.BuildFailed:
		return n.opts.OnFailure
	case contracts.BuildCompleted:
		return n.opts.OnSuccess
	default:
		return false
	}
}

// Compose renders the notification of a finished build.
func (n *Notifier) Compose(ctx context.Context, b contracts.Build) (contracts.Notification, error) {
	status, ok := readableStatus[b.Status]
	if !ok {
		return contracts.Notification{}, fmt.Errorf("build %d is %s: %w", b.ID, b.Status, contracts.ErrInvalid)
	}

	note := contracts.Notification{
		ID:        uuid.NewString(),
		BuildID:   b.ID,
		Config:    b.Config,
		Rev:       b.Rev,
		Status:    status,
		Subject:   fmt.Sprintf("[%s Build] %s [%s] %s", status, n.opts.Project, b.Rev, b.Config),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	cs, err := n.store.GetChangeset(ctx, b.Rev)
	if err == nil && cs.Author != "" {
		note.Recipients = []string{cs.Author}
	}

	steps, err := n.store.ListSteps(ctx, b.ID, b.Attempt)
	if err != nil {
		return note, fmt.Errorf("failed to list steps: %w", err)
	}
	var errs []string
	var faillog []string
	for _, st := range steps {
		if st.Status != contracts.StepFailure {
			continue
		}
		for _, e := range st.Errors {
			errs = append(errs, st.Name+": "+e)
		}
		for _, l := range st.Logs {
			for _, m := range l.Messages {
				faillog = append(faillog, fmt.Sprintf("%7s: %s", m.Level, m.Message))
			}
		}
	}
	note.Errors = strings.Join(errs, ", ")
	note.FailLog = strings.Join(faillog, "\n")
	return note, nil
}
