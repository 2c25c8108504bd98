package eventbus

// Event types published by slotkeeper components.
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobDropped  = "job.dropped"

	TickStarted  = "tick.started"
	TickDrift    = "tick.drift"
	TickInvalid  = "tick.invalid"
	TickRearmed  = "tick.rearmed"
	TickFinished = "tick.finished"
	TaskResult   = "task.result"

	NotifyQueued  = "notify.queued"
	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	NotifyDeduped = "notify.deduped"
	NotifyDropped = "notify.dropped"

	ConfigReloaded = "config.reloaded"
)
