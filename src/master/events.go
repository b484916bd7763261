package master

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"bitten-master/src/broker"
	"bitten-master/src/contracts"
	"bitten-master/src/logger"
)

// Listener is notified of build lifecycle transitions.
// Implementations must not block; they run on the dispatching goroutine.
type Listener interface {
	BuildEvent(ctx context.Context, ev contracts.BuildEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev contracts.BuildEvent)

// BuildEvent calls f.
func (f ListenerFunc) BuildEvent(ctx context.Context, ev contracts.BuildEvent) {
	f(ctx, ev)
}

// BrokerListener publishes build events to the bitten.builds topic.
type BrokerListener struct {
	broker broker.Broker
	logger logger.Logger
}

// NewBrokerListener creates a listener publishing to brk.
func NewBrokerListener(brk broker.Broker, log logger.Logger) *BrokerListener {
	return &BrokerListener{broker: brk, logger: log}
}

// BuildEvent publishes ev keyed by configuration name.
func (l *BrokerListener) BuildEvent(ctx context.Context, ev contracts.BuildEvent) {
	if err := broker.PublishJSON(ctx, l.broker, contracts.TopicBuildEvents, ev.Build.Config, ev); err != nil {
		l.logger.Error("[BuildMaster] Failed to publish %s for build %d: %v", ev.Type, ev.Build.ID, err)
	}
}

type listeners struct {
	mu  sync.RWMutex
	all []Listener
}

func (ls *listeners) add(l Listener) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.all = append(ls.all, l)
}

func (ls *listeners) emit(ctx context.Context, typ contracts.BuildEventType, b contracts.Build, now time.Time) {
	ev := contracts.BuildEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Build:     b,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for _, l := range ls.all {
		l.BuildEvent(ctx, ev)
	}
}
