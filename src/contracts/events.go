package contracts

// Topic names used on the message broker.
const (
	// TopicBuildEvents carries build lifecycle events.
	// Key: {config}
	TopicBuildEvents = "bitten.builds"

	// TopicChangesets carries changesets published by repository hooks.
	// Key: {rev}
	TopicChangesets = "bitten.changesets"

	// TopicNotifications carries build notifications for mailers and chat bridges.
	// Key: {config}
	TopicNotifications = "bitten.notifications"
)

// BuildEventType names a build lifecycle transition.
type BuildEventType string

const (
	EventBuildStarted     BuildEventType = "build_started"
	EventBuildAborted     BuildEventType = "build_aborted"
	EventBuildCompleted   BuildEventType = "build_completed"
	EventBuildInvalidated BuildEventType = "build_invalidated"
)

// BuildEvent is published whenever a build changes state.
type BuildEvent struct {
	ID        string         `json:"id"`
	Type      BuildEventType `json:"type"`
	Build     Build          `json:"build"`
	Timestamp string         `json:"timestamp"`
}

// Notification is a rendered build notification.
type Notification struct {
	ID         string   `json:"id"`
	BuildID    int64    `json:"build_id"`
	Config     string   `json:"config"`
	Rev        string   `json:"rev"`
	Status     string   `json:"status"`
	Subject    string   `json:"subject"`
	Recipients []string `json:"recipients"`
	Errors     string   `json:"errors"`
	FailLog    string   `json:"fail_log"`
	Timestamp  string   `json:"timestamp"`
}
