package transport

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/seedchat/seedchat/internal/otel"
)

var (
	envelopesAccepted metric.Int64Counter
	envelopesRejected metric.Int64Counter
	historyRequests   metric.Int64Counter
	requestsThrottled metric.Int64Counter

	wsConnected    metric.Int64Counter
	wsDisconnected metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("relay.transport", intotel.PrefixRelay)

	f.Int64Counter(&envelopesAccepted, "envelopes.accepted",
		metric.WithDescription("Envelopes accepted and appended to room history"))

	f.Int64Counter(&envelopesRejected, "envelopes.rejected",
		metric.WithDescription("Envelopes rejected by validation"))

	f.Int64Counter(&historyRequests, "history.requests",
		metric.WithDescription("Room history reads served"))

	f.Int64Counter(&requestsThrottled, "requests.throttled",
		metric.WithDescription("Publishes rejected by the per-room rate limit"))

	f.Int64Counter(&wsConnected, "ws.connected",
		metric.WithDescription("WebSocket subscriptions opened"))

	f.Int64Counter(&wsDisconnected, "ws.disconnected",
		metric.WithDescription("WebSocket subscriptions closed"))
}
