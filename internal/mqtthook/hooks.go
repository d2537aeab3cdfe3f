package mqtthook

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/pipeline"
)

// GatewayHook wires the abstract hook interface in §6 onto mochi-mqtt's real
// Hook surface, grounded on pkg/mqtt/hooks.go's AuthHook/MessageHook split
// and haivivi-giztoy's pkg/mqtt/server.go serverCallbackHook.
//
// mochi-mqtt has no single hook matching the spec's on_deliver(subscriber_id,
// topic, payload): it exposes OnPublish on the publishing client only.
// Because every dynsub request in this protocol is addressed to its
// recipient's own unicast-in inbox (§4.5, §4.7 — the publish topic and the
// delivery topic coincide for that family), OnPublish doubles as the deliver
// hook: the recipient is derived from the topic's own agent segment, not
// from cl, which here is the *sender*.
type GatewayHook struct {
	mqtt.HookBase
	Pipe *pipeline.Pipeline
	Log  *slog.Logger
}

// New builds a GatewayHook bound to pipe.
func New(pipe *pipeline.Pipeline, log *slog.Logger) *GatewayHook {
	return &GatewayHook{Pipe: pipe, Log: log}
}

// ID returns the hook identifier.
func (h *GatewayHook) ID() string { return "gateway-hook" }

// Provides reports the broker events this hook handles.
func (h *GatewayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnPublish,
		mqtt.OnDisconnect,
	}, []byte{b})
}

// OnConnectAuthenticate runs the connect pipeline (C1->C3->C4, §4.4).
func (h *GatewayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	traceID := uuid.New().String()
	err := h.Pipe.Connect(cl.ID, string(pk.Connect.Password), pk.Connect.Clean)
	h.Log.Debug("connect hook", "trace_id", traceID, "client_id", cl.ID, "accept", err == nil)
	return err == nil
}

// OnACLCheck authorizes a topic for publish (write=true) or subscribe
// (write=false) (C5, §4.5). The retain flag is not available here; it is
// enforced in OnPublish where packets.Packet carries it.
func (h *GatewayHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	segs := strings.Split(topic, "/")
	if write {
		return h.Pipe.CheckPublishACL(cl.ID, segs, false) == nil
	}
	return h.Pipe.CheckSubscribeACL(cl.ID, segs) == nil
}

// OnPublish authorizes the retain flag, rewrites the envelope (C2, C6), and
// — when the publish lands on the recipient's own unicast-in inbox —
// recognizes and handles a dynsub request (C7) addressed to that recipient.
func (h *GatewayHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	segs := strings.Split(pk.TopicName, "/")

	if err := h.Pipe.CheckPublishACL(cl.ID, segs, pk.FixedHeader.Retain); err != nil {
		return pk, err
	}

	out, err := h.Pipe.Publish(cl.ID, pk.Payload)
	if err != nil {
		return pk, err
	}
	pk.Payload = out

	if recipientID, ok := h.recipientFor(segs); ok {
		if err := h.Pipe.Deliver(recipientID, segs, pk.Payload); err != nil {
			h.Log.Error("deliver hook denied", "client_id", recipientID, "topic", pk.TopicName, "err", err)
		}
	}

	return pk, nil
}

// OnDisconnect runs dynsub cleanup for the disconnecting client (§4.7 state
// machine: Disconnected triggers cleanup).
func (h *GatewayHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.Pipe.Disconnect(cl.ID)
}

// recipientFor resolves the connected client that owns topic's unicast-in
// inbox, returning its raw Client-ID (with connect-time mode prefix) so the
// pipeline can parse it the same way it parses any other hook's client-id.
// Not every publish targets a unicast-in inbox, and the recipient may not
// currently be connected; both are reported as !ok so OnPublish treats the
// publish as a normal, non-dynsub message.
func (h *GatewayHook) recipientFor(topic []string) (string, bool) {
	if len(topic) != 6 || topic[0] != "agents" || topic[2] != "api" || topic[4] != "in" {
		return "", false
	}
	agentID := topic[1]

	connected, err := h.Pipe.Broker.ListConnections()
	if err != nil {
		return "", false
	}
	for _, rawID := range connected {
		id, err := clientid.Parse(rawID)
		if err != nil {
			continue
		}
		if id.AgentID() == agentID {
			return rawID, true
		}
	}
	return "", false
}
