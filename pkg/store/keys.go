package store

import "time"

// Key namespace. Every caller goes through these helpers so the layout
// stays greppable in one place.
//
//	session:{user}:{company}:state          session blob, TTL 2h
//	chat:{user}:{company}:{thread}:history  history blob, TTL 24h
//	lock:cron:tick                          scheduler tick lock, TTL 5m
//	lock:billing:balance:{user}             wallet lock, TTL 2m, fail-open
//	llm_init:{user}:{company}               session-init dedup, TTL 5m
//	workflow_state:{company}:{thread}       paused-on-LPT marker
//	billing:catchup:{user}:{company}        billing catch-up dedup, TTL 1h
//	registry:user:{user}                    presence hash, field = session id
//	registry:channel:{channel}              presence hash, field = session id
//
// The pub/sub channel for a thread is chat:{user}:{company}:{thread}.

const (
	SessionTTL        = 2 * time.Hour
	HistoryTTL        = 24 * time.Hour
	CronTickTTL       = 5 * time.Minute
	BillingBalanceTTL = 2 * time.Minute
	InitLockTTL       = 5 * time.Minute
	BillingCatchupTTL = time.Hour
	PresenceTTL       = 90 * time.Second
)

// CronTickLockKey guards the scheduler tick across instances.
const CronTickLockKey = "lock:cron:tick"

func SessionKey(user, company string) string {
	return "session:" + user + ":" + company + ":state"
}

func HistoryKey(user, company, thread string) string {
	return "chat:" + user + ":" + company + ":" + thread + ":history"
}

func BillingBalanceLockKey(user string) string {
	return "lock:billing:balance:" + user
}

func InitLockKey(user, company string) string {
	return "llm_init:" + user + ":" + company
}

func WorkflowStateKey(company, thread string) string {
	return "workflow_state:" + company + ":" + thread
}

// WorkflowStatePattern matches every paused-workflow marker; the LPT
// watchdog sweeps it.
const WorkflowStatePattern = "workflow_state:*"

func BillingCatchupKey(user, company string) string {
	return "billing:catchup:" + user + ":" + company
}

// ThreadChannel is the pub/sub channel streaming events for one thread.
func ThreadChannel(user, company, thread string) string {
	return "chat:" + user + ":" + company + ":" + thread
}

func PresenceUserKey(user string) string {
	return "registry:user:" + user
}

func PresenceChannelKey(channel string) string {
	return "registry:channel:" + channel
}
