package dynsub

import (
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/lucidgate/mqtt-gateway/internal/broker"
	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/envelope"
)

type fakeBroker struct {
	published    []publishCall
	subscribed   []subscribeCall
	unsubscribed []unsubscribeCall
}

type publishCall struct {
	topic   []string
	payload []byte
	qos     byte
}
type subscribeCall struct {
	subject string
	subs    []broker.Subscription
}
type unsubscribeCall struct {
	subject string
	topics  [][]string
}

func (f *fakeBroker) Publish(topic []string, payload []byte, qos byte) error {
	f.published = append(f.published, publishCall{topic, payload, qos})
	return nil
}
func (f *fakeBroker) Subscribe(subject string, subs []broker.Subscription) error {
	f.subscribed = append(f.subscribed, subscribeCall{subject, subs})
	return nil
}
func (f *fakeBroker) Unsubscribe(subject string, topics [][]string) error {
	f.unsubscribed = append(f.unsubscribed, unsubscribeCall{subject, topics})
	return nil
}
func (f *fakeBroker) ListConnections() ([]string, error) { return nil, nil }

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestScenarioS7SubscriptionCreate(t *testing.T) {
	recipient, err := clientid.Parse("v1/service-agents/s.svc.example.org")
	if err != nil {
		t.Fatalf("parse recipient: %v", err)
	}
	brokerID := clientid.Identity{Agent: "gw", Account: "svc", Audience: "example.org"}

	payload, _ := json.Marshal(map[string]any{
		"subject": recipient.Format(),
		"object":  []string{"rooms", "42"},
		"app":     "app.example.org",
	})

	msg := &envelope.Message{Payload: payload, ResponseTopic: "agents/s.svc.example.org/api/v1/in/app.example.org", HasResponseTopic: true}
	msg.Set("type", "request")
	msg.Set("method", "subscription.create")
	msg.Set("connection_mode", "service-agents")
	msg.CorrelationData = []byte("corr-1")
	msg.HasCorrelation = true

	deliveryTopic := []string{"agents", "s.svc.example.org", "api", "v1", "in", "app.example.org"}
	if !IsRequest(msg, deliveryTopic) {
		t.Fatal("expected IsRequest to recognize a well-formed create request")
	}

	state := NewState()
	brk := &fakeBroker{}

	if err := HandleDeliver(state, brk, brokerID, recipient, msg, 100, discardLog); err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}

	if len(brk.subscribed) != 1 {
		t.Fatalf("expected exactly one subscribe call, got %d", len(brk.subscribed))
	}
	sub := brk.subscribed[0]
	if sub.subject != recipient.Format() {
		t.Fatalf("subscribe subject = %q", sub.subject)
	}
	wantTopic := []string{"apps", "app.example.org", "api", "v1", "rooms", "42"}
	if !topicsEqual(sub.subs[0].Topic, wantTopic) {
		t.Fatalf("subscribe topic = %v, want %v", sub.subs[0].Topic, wantTopic)
	}

	if len(brk.published) != 2 {
		t.Fatalf("expected an event publish and a reply publish, got %d", len(brk.published))
	}

	eventTopic := []string{"agents", "gw.svc.example.org", "api", "v1", "out", "app.example.org"}
	if !topicsEqual(brk.published[0].topic, eventTopic) {
		t.Fatalf("event topic = %v, want %v", brk.published[0].topic, eventTopic)
	}

	replyTopic := []string{"agents", recipient.AgentID(), "api", "v1", "in", "app.example.org"}
	if !topicsEqual(brk.published[1].topic, replyTopic) {
		t.Fatalf("reply topic = %v, want %v", brk.published[1].topic, replyTopic)
	}

	records := state.Get(recipient.Format())
	if len(records) != 1 {
		t.Fatalf("expected one dynsub record, got %d", len(records))
	}
}

func TestHandleDeliverNoOpsWhenSubjectIsNotRecipient(t *testing.T) {
	recipient, _ := clientid.Parse("v1/service-agents/s.svc.example.org")
	other, _ := clientid.Parse("v1/service-agents/other.svc.example.org")
	brokerID := clientid.Identity{Agent: "gw", Account: "svc", Audience: "example.org"}

	payload, _ := json.Marshal(map[string]any{
		"subject": other.Format(),
		"object":  []string{"rooms", "42"},
		"app":     "app.example.org",
	})
	msg := &envelope.Message{Payload: payload, HasResponseTopic: true}
	msg.Set("type", "request")
	msg.Set("method", "subscription.create")
	msg.Set("connection_mode", "service-agents")

	state := NewState()
	brk := &fakeBroker{}

	if err := HandleDeliver(state, brk, brokerID, recipient, msg, 1, discardLog); err != nil {
		t.Fatalf("HandleDeliver: %v", err)
	}
	if len(brk.subscribed) != 0 || len(brk.published) != 0 {
		t.Fatal("expected no-op when subject does not match the delivery recipient")
	}
}

func TestCleanupEmitsDeleteAndUnsubscribes(t *testing.T) {
	brokerID := clientid.Identity{Agent: "gw", Account: "svc", Audience: "example.org"}
	subject := "v1/service-agents/s.svc.example.org"

	state := NewState()
	state.Put(subject, Data{App: "app.example.org", Object: []string{"rooms", "42"}, Version: "v1"})

	brk := &fakeBroker{}
	Cleanup(state, brk, brokerID, subject, discardLog)

	if len(brk.unsubscribed) != 1 {
		t.Fatalf("expected one unsubscribe call, got %d", len(brk.unsubscribed))
	}
	if len(brk.published) != 1 {
		t.Fatalf("expected one delete-event publish, got %d", len(brk.published))
	}
	if len(state.Get(subject)) != 0 {
		t.Fatal("expected state to be empty after cleanup")
	}
}

func TestStatePutRemoveGet(t *testing.T) {
	s := NewState()
	d := Data{App: "app", Object: []string{"a", "b"}, Version: "v1"}
	s.Put("subj", d)
	if got := s.Get("subj"); len(got) != 1 || !reflect.DeepEqual(got[0], d) {
		t.Fatalf("Get after Put = %+v", got)
	}
	s.Remove("subj", d)
	if got := s.Get("subj"); len(got) != 0 {
		t.Fatalf("Get after Remove = %+v", got)
	}
}
