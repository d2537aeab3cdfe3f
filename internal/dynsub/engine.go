package dynsub

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/lucidgate/mqtt-gateway/internal/broker"
	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/envelope"
	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
	"github.com/lucidgate/mqtt-gateway/pkg/metrics"
)

const (
	methodCreate = "subscription.create"
	methodDelete = "subscription.delete"
)

// requestPayload is the JSON shape carried in a dynsub request envelope's
// payload: the ClientId-string subject, the topic-tail object, and the app
// the subscription is rooted under. Version is implied from the subject.
type requestPayload struct {
	Subject string   `json:"subject"`
	Object  []string `json:"object"`
	App     string   `json:"app"`
}

// IsRequest reports whether msg looks like a dynsub request envelope: it has
// type=request, a recognized method, connection_mode=service-agents, and a
// response_topic equal to the topic it was delivered on. Per §9's codified
// open question, dynsub only triggers on deliver, never on publish.
func IsRequest(msg *envelope.Message, deliveryTopic []string) bool {
	if t, _ := msg.Get("type"); t != "request" {
		return false
	}
	method, _ := msg.Get("method")
	if method != methodCreate && method != methodDelete {
		return false
	}
	if mode, _ := msg.Get("connection_mode"); mode != "service-agents" {
		return false
	}
	if !msg.HasResponseTopic {
		return false
	}
	return topicsEqual(strings.Split(msg.ResponseTopic, "/"), deliveryTopic)
}

// HandleDeliver processes a dynsub request already confirmed by IsRequest.
// recipient is the Client-ID of the connection the message was delivered to.
// Broker I/O failures on the audit/event emissions are logged and swallowed
// per §5/§7 — they never turn into a deny.
func HandleDeliver(state *State, brk broker.Broker, brokerID clientid.Identity, recipient clientid.ID, msg *envelope.Message, now int64, log *slog.Logger) error {
	var payload requestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return gwerr.Wrap(gwerr.KindImplSpecificError, "dynsub request payload is not valid JSON", err)
	}

	subjectID, err := clientid.Parse(payload.Subject)
	if err != nil {
		return gwerr.Wrap(gwerr.KindImplSpecificError, "dynsub request subject is not a valid client id", err)
	}

	// Step 1: the same multicast delivery fans out to many subscribers; only
	// the one actually named by subject acts.
	if subjectID.AgentID() != recipient.AgentID() {
		return nil
	}

	method, _ := msg.Get("method")
	data := Data{App: payload.App, Object: payload.Object, Version: subjectID.Version}
	topic := subscriptionTopic(payload.App, subjectID.Version, payload.Object)

	switch method {
	case methodCreate:
		if err := brk.Subscribe(payload.Subject, []broker.Subscription{{Topic: topic, QoS: 1}}); err != nil {
			log.Warn("dynsub subscribe failed", "subject", payload.Subject, "err", err)
		}
		state.Put(payload.Subject, data)
	case methodDelete:
		if err := brk.Unsubscribe(payload.Subject, [][]string{topic}); err != nil {
			log.Warn("dynsub unsubscribe failed", "subject", payload.Subject, "err", err)
		}
		state.Remove(payload.Subject, data)
	}

	emitEvent(brk, brokerID, payload.App, payload.Subject, payload.Object, method, log)
	reply(brk, recipient, payload.App, msg, log)

	return nil
}

// Cleanup enumerates DynSubState for subject and, for each entry, emits a
// subscription.delete event and unsubscribes at the broker. Called on
// disconnect and on broker shutdown.
func Cleanup(state *State, brk broker.Broker, brokerID clientid.Identity, subject string, log *slog.Logger) {
	records := state.Get(subject)
	for _, d := range records {
		topic := subscriptionTopic(d.App, d.Version, d.Object)
		if err := brk.Unsubscribe(subject, [][]string{topic}); err != nil {
			log.Warn("dynsub cleanup unsubscribe failed", "subject", subject, "err", err)
		}
		emitEvent(brk, brokerID, d.App, subject, d.Object, methodDelete, log)
		state.Remove(subject, d)
	}
}

func subscriptionTopic(app, version string, object []string) []string {
	topic := append([]string{"apps", app, "api", version}, object...)
	return topic
}

func emitEvent(brk broker.Broker, brokerID clientid.Identity, app, subject string, object []string, label string, log *slog.Logger) {
	topic := []string{"agents", brokerID.AgentID(), "api", "v1", "out", app}

	body, _ := json.Marshal(map[string]any{"object": object, "subject": subject})
	evt := &envelope.Message{Payload: body}
	evt.Set("type", "event")
	evt.Set("label", label)

	wire, err := envelope.Encode(evt)
	if err != nil {
		log.Warn("dynsub event encode failed", "err", err)
		return
	}
	if err := brk.Publish(topic, wire, 1); err != nil {
		log.Warn("dynsub event publish failed", "topic", topic, "err", err)
		return
	}
	if metrics.DynSubEventsTotal != nil {
		if c, err := metrics.DynSubEventsTotal.WithLabels(label); err == nil {
			c.Inc()
		}
	}
}

func reply(brk broker.Broker, recipient clientid.ID, app string, request *envelope.Message, log *slog.Logger) {
	topic := []string{"agents", recipient.AgentID(), "api", "v1", "in", app}

	resp := &envelope.Message{Payload: []byte("{}")}
	resp.Set("type", "response")
	resp.Set("status", "200")
	resp.CorrelationData = request.CorrelationData
	resp.HasCorrelation = request.HasCorrelation

	wire, err := envelope.Encode(resp)
	if err != nil {
		log.Warn("dynsub reply encode failed", "err", err)
		return
	}
	if err := brk.Publish(topic, wire, 1); err != nil {
		log.Warn("dynsub reply publish failed", "topic", topic, "err", err)
	}
}

func topicsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
