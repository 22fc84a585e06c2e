package bus

import "time"

// Event kinds. Scoped kinds carry a conversation id, see Scoped.
const (
	KindMessageInserted = "message.inserted"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindRemoteMessage   = "remote.message"
	KindRemoteBatch     = "remote.batch"
	KindTyping          = "typing.signal"
	KindSessionLoggedIn = "session.logged_in"
	KindSessionLogout   = "session.logged_out"
	KindSessionStatus   = "session.status_changed"
	KindDirectory       = "directory.refreshed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Scoped returns kind narrowed to one scope, e.g. one conversation. A
// subscription on Scoped(k, "1") does not receive events for Scoped(k, "12").
func Scoped(kind, scope string) string {
	return kind + "[" + scope + "]"
}
