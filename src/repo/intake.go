package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"bitten-master/src/broker"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
)

// IntakeGroup is the consumer group of the changeset intake.
const IntakeGroup = "bitten-intake"

// Intake consumes changesets published by post-commit hooks and records them.
type Intake struct {
	broker  broker.Broker
	repo    *Repository
	group   string
	logger  logger.Logger
	onNewCS func(ctx context.Context, cs contracts.Changeset)
}

// NewIntake creates a changeset intake. onNew is called for each changeset that
// was not known before (typically to populate the build queue); it may be nil.
func NewIntake(brk broker.Broker, r *Repository, log logger.Logger, onNew func(ctx context.Context, cs contracts.Changeset)) *Intake {
	return &Intake{broker: brk, repo: r, group: IntakeGroup, logger: log, onNewCS: onNew}
}

// WithGroup changes the consumer group the intake joins.
func (a *Intake) WithGroup(group string) *Intake {
	if group != "" {
		a.group = group
	}
	return a
}

// Run starts the intake's main loop.
// It subscribes to bitten.changesets and records incoming changesets.
func (a *Intake) Run(ctx context.Context) error {
	a.logger.Info("[Intake] Starting...")

	msgChan, err := a.broker.Subscribe(ctx, contracts.TopicChangesets, a.group)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", contracts.TopicChangesets, err)
	}

	a.logger.Info("[Intake] Listening for changesets on '%s' topic...", contracts.TopicChangesets)

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				a.logger.Info("[Intake] Message channel closed, shutting down")
				return nil
			}

			if err := a.process(ctx, msg); err != nil {
				a.logger.Error("[Intake] Error processing changeset: %v", err)
			}

		case <-ctx.Done():
			a.logger.Info("[Intake] Context cancelled, shutting down")
			return ctx.Err()
		}
	}
}

func (a *Intake) process(ctx context.Context, msg broker.Message) error {
	var cs contracts.Changeset
	if err := json.Unmarshal(msg.Value, &cs); err != nil {
		return fmt.Errorf("failed to unmarshal changeset: %w", err)
	}

	added, err := a.repo.Record(ctx, cs)
	if err != nil {
		return err
	}
	if !added {
		a.logger.Debug("[Intake] Changeset [%s] already recorded", cs.Rev)
		return nil
	}

	a.logger.Info("[Intake] Recorded changeset [%s] by %s (%d paths)", cs.Rev, cs.Author, len(cs.Paths))
	if a.onNewCS != nil {
		a.onNewCS(ctx, cs)
	}
	return nil
}
