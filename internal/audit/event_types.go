package audit

const (
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

const (
	EventInboxQueued = "inbox.queued"
)

const (
	EventAuthFailure = "auth.failure"
)

func GetEventCategory(eventType string) string {
	switch eventType {
	case EventJobStarted, EventJobCompleted, EventJobFailed, EventJobCancelled:
		return "job"
	case EventInboxQueued:
		return "inbox"
	case EventAuthFailure:
		return "auth"
	default:
		return "unknown"
	}
}

func GetEventSeverity(eventType string) string {
	switch eventType {
	case EventJobFailed, EventAuthFailure:
		return "high"
	case EventJobStarted, EventJobCancelled:
		return "medium"
	case EventJobCompleted, EventInboxQueued:
		return "low"
	default:
		return "medium"
	}
}
