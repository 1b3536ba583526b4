package session

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/seedchat/seedchat/internal/otel"
)

var (
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	duplicatesSeen   metric.Int64Counter
	decryptFailures  metric.Int64Counter
	publishFailures  metric.Int64Counter

	sessionsJoined metric.Int64Counter
	sessionsLeft   metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("chat.session", intotel.PrefixChat)

	f.Int64Counter(&messagesSent, "messages.sent",
		metric.WithDescription("Messages stamped and handed to the backend"))

	f.Int64Counter(&messagesReceived, "messages.received",
		metric.WithDescription("Envelopes decrypted and applied to the visible list"))

	f.Int64Counter(&duplicatesSeen, "messages.duplicates",
		metric.WithDescription("Envelopes discarded by the deduplication window"))

	f.Int64Counter(&decryptFailures, "decrypt.failures",
		metric.WithDescription("Envelopes rejected by authenticated decryption"))

	f.Int64Counter(&publishFailures, "publish.failures",
		metric.WithDescription("Publish attempts that failed at the transport"))

	f.Int64Counter(&sessionsJoined, "sessions.joined",
		metric.WithDescription("Channel sessions successfully established"))

	f.Int64Counter(&sessionsLeft, "sessions.left",
		metric.WithDescription("Channel sessions torn down"))
}
