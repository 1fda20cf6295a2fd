package taskname

const (
	// Outreach tasks
	OutreachEmailSend = "outreach:email:send"

	// Follow-up tasks
	FollowUpEmailSend   = "followup:email:send"
	FollowUpReminderDue = "followup:reminder:due"

	// Dispatcher tasks
	EventSweep = "event:sweep"
)
