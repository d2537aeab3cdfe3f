// Package pipeline orchestrates C1-C7 for each broker hook: connect,
// publish, deliver, subscribe, disconnect (§2, §4.8). It is the only package
// that sequences the components together; the mochi-mqtt adapter
// (internal/mqtthook) translates broker callbacks into calls here.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lucidgate/mqtt-gateway/internal/acl"
	"github.com/lucidgate/mqtt-gateway/internal/authn"
	"github.com/lucidgate/mqtt-gateway/internal/authz"
	"github.com/lucidgate/mqtt-gateway/internal/broker"
	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/dynsub"
	"github.com/lucidgate/mqtt-gateway/internal/envelope"
	"github.com/lucidgate/mqtt-gateway/internal/gwconfig"
	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
	"github.com/lucidgate/mqtt-gateway/internal/rewrite"
	"github.com/lucidgate/mqtt-gateway/pkg/metrics"
)

// Pipeline holds everything a hook call needs: the immutable config
// snapshot, the broker interface, and the dynsub side-table. It carries no
// other mutable state — see §5, there is no per-connection mutex here.
type Pipeline struct {
	Config gwconfig.Config
	Broker broker.Broker
	DynSub *dynsub.State
	Log    *slog.Logger

	// Now returns the current time in milliseconds since epoch (T in §4.6).
	// Overridable in tests; defaults to wall-clock time.
	Now func() int64
}

// New builds a Pipeline with wall-clock timing.
func New(cfg gwconfig.Config, brk broker.Broker, log *slog.Logger) *Pipeline {
	return &Pipeline{
		Config: cfg,
		Broker: brk,
		DynSub: dynsub.NewState(),
		Log:    log,
		Now:    func() int64 { return time.Now().UnixMilli() },
	}
}

func (p *Pipeline) now() int64 {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UnixMilli()
}

func (p *Pipeline) observe(hook string, outcome string) {
	if metrics.HookInvocationsTotal != nil {
		if c, err := metrics.HookInvocationsTotal.WithLabels(hook, outcome); err == nil {
			c.Inc()
		}
	}
}

// timer returns a func to call (typically deferred) that records the
// elapsed time in HookDuration for hook.
func (p *Pipeline) timer(hook string) func() {
	start := time.Now()
	return func() {
		if metrics.HookDuration == nil {
			return
		}
		if h, err := metrics.HookDuration.WithLabels(hook); err == nil {
			h.Observe(time.Since(start).Seconds())
		}
	}
}

func (p *Pipeline) deny(hook string, err error, rawClientID, mode string) error {
	kind := gwerr.KindOf(err)
	if metrics.DenialsTotal != nil {
		if c, e := metrics.DenialsTotal.WithLabels(hook, string(kind)); e == nil {
			c.Inc()
		}
	}
	p.observe(hook, "deny")

	level := slog.LevelError
	if hook == "connect" {
		level = slog.LevelWarn
	}
	p.Log.Log(context.Background(), level, "hook denied",
		"hook", hook,
		"client_id", rawClientID,
		"mode", mode,
		"reason", string(kind),
		"err", err,
	)
	return err
}

// Connect runs the connect pipeline: C1 -> (clean-session check) -> C3 -> C4
// (§4.4, §4.5 connect constraints).
func (p *Pipeline) Connect(rawClientID, password string, cleanSession bool) error {
	defer p.timer("connect")()

	id, err := clientid.Parse(rawClientID)
	if err != nil {
		return p.deny("connect", err, rawClientID, "")
	}

	if id.Mode == clientid.ModeDefault && !cleanSession {
		return p.deny("connect", gwerr.New(gwerr.KindImplSpecificError, "default mode requires clean_session=true"), rawClientID, string(id.Mode))
	}

	if len(p.Config.Authn) > 0 {
		acct, err := authn.Authenticate(p.Config.Authn, password)
		if err != nil {
			return p.deny("connect", err, rawClientID, string(id.Mode))
		}
		if err := authn.CheckMatchesClientID(acct, id); err != nil {
			return p.deny("connect", err, rawClientID, string(id.Mode))
		}
		if err := authz.CheckConnect(p.Config.Authz, p.Config.ID.Audience, id.Mode, acct); err != nil {
			return p.deny("connect", err, rawClientID, string(id.Mode))
		}
	} else if id.Mode != clientid.ModeDefault {
		return p.deny("connect", gwerr.New(gwerr.KindNotAuthorized, "non-default mode requires authentication"), rawClientID, string(id.Mode))
	}

	if metrics.ActiveConnections != nil {
		if g, err := metrics.ActiveConnections.WithLabels(id.ModeLabel); err == nil {
			g.Inc()
		}
	}
	p.observe("connect", "accept")
	p.emitAudienceEvent(eventAgentEnter, id)
	return nil
}

// CheckPublishACL authorizes a publish's topic and retain flag (§4.5 ACL,
// connect constraints' retain rule). It does not touch the payload.
func (p *Pipeline) CheckPublishACL(rawClientID string, topic []string, retain bool) error {
	id, err := clientid.Parse(rawClientID)
	if err != nil {
		return p.deny("publish", err, rawClientID, "")
	}

	if err := acl.CheckPublish(topic, id.Mode, id.AgentID(), id.AccountID()); err != nil {
		return p.deny("publish", err, rawClientID, string(id.Mode))
	}

	if retain && id.Mode != clientid.ModeService {
		return p.deny("publish", gwerr.New(gwerr.KindImplSpecificError, "retain only permitted for mode=service"), rawClientID, string(id.Mode))
	}

	return nil
}

// Publish decodes, rewrites, and re-encodes an inbound publish payload,
// returning the outbound wire bytes (§4.2, §4.6). For service_payload_only
// connections the rewritten properties are validated but not emitted: the
// raw payload is returned without an envelope.
func (p *Pipeline) Publish(rawClientID string, raw []byte) ([]byte, error) {
	defer p.timer("publish")()

	id, err := clientid.Parse(rawClientID)
	if err != nil {
		return nil, p.deny("publish", err, rawClientID, "")
	}

	msg, err := envelope.Decode(raw, id.Mode == clientid.ModeServicePayloadOnly)
	if err != nil {
		return nil, p.deny("publish", err, rawClientID, string(id.Mode))
	}

	if err := rewrite.Apply(msg, id, p.Config.ID, p.now()); err != nil {
		return nil, p.deny("publish", err, rawClientID, string(id.Mode))
	}

	if id.Mode == clientid.ModeServicePayloadOnly {
		p.observe("publish", "accept")
		return msg.Payload, nil
	}

	out, err := envelope.Encode(msg)
	if err != nil {
		return nil, p.deny("publish", err, rawClientID, string(id.Mode))
	}
	p.observe("publish", "accept")
	return out, nil
}

// CheckSubscribeACL authorizes a subscribe request's topic filter (§4.5).
func (p *Pipeline) CheckSubscribeACL(rawClientID string, topic []string) error {
	id, err := clientid.Parse(rawClientID)
	if err != nil {
		return p.deny("subscribe", err, rawClientID, "")
	}
	if err := acl.CheckSubscribe(topic, id.Mode, id.AgentID(), id.AccountID()); err != nil {
		return p.deny("subscribe", err, rawClientID, string(id.Mode))
	}
	p.observe("subscribe", "accept")
	return nil
}

// Deliver inspects a message being delivered to rawClientID. If it is a
// valid dynsub request envelope whose response_topic equals deliveryTopic,
// the dynamic-subscription engine handles it and the broker-facing side
// effects (subscribe/unsubscribe, event emission, reply) happen here;
// otherwise Deliver is a no-op (§4.7, §9 open question: triggers on deliver
// only).
func (p *Pipeline) Deliver(rawClientID string, deliveryTopic []string, raw []byte) error {
	defer p.timer("deliver")()

	id, err := clientid.Parse(rawClientID)
	if err != nil {
		return p.deny("deliver", err, rawClientID, "")
	}

	msg, err := envelope.Decode(raw, id.Mode == clientid.ModeServicePayloadOnly)
	if err != nil {
		return p.deny("deliver", err, rawClientID, string(id.Mode))
	}

	if !dynsub.IsRequest(msg, deliveryTopic) {
		p.observe("deliver", "accept")
		return nil
	}

	if err := dynsub.HandleDeliver(p.DynSub, p.Broker, p.Config.ID, id, msg, p.now(), p.Log); err != nil {
		return p.deny("deliver", err, rawClientID, string(id.Mode))
	}
	if metrics.DynSubActive != nil {
		_ = metrics.DynSubActive.Set(float64(p.DynSub.Count()))
	}
	p.observe("deliver", "accept")
	return nil
}

// Disconnect runs dynsub cleanup for rawClientID's subject (§4.7 state
// machine: Disconnected triggers cleanup). Cleanup runs on every disconnect
// of a parseable Client-ID, whether or not authn/authz are configured.
func (p *Pipeline) Disconnect(rawClientID string) {
	id, err := clientid.Parse(rawClientID)
	if err != nil {
		return
	}
	if metrics.ActiveConnections != nil {
		if g, err := metrics.ActiveConnections.WithLabels(id.ModeLabel); err == nil {
			g.Dec()
		}
	}
	dynsub.Cleanup(p.DynSub, p.Broker, p.Config.ID, id.Format(), p.Log)
	if metrics.DynSubActive != nil {
		_ = metrics.DynSubActive.Set(float64(p.DynSub.Count()))
	}
	p.emitAudienceEvent(eventAgentLeave, id)
}

// Audience lifecycle event labels (§1(f), §6).
const (
	eventAgentEnter = "agent.enter"
	eventAgentLeave = "agent.leave"
)

// emitAudienceEvent publishes an agent.enter/agent.leave event for id's
// audience to apps/<broker_account_id>/api/v1/audiences/<audience>/events,
// gated on the stat toggle (§6). Broker I/O failures are logged and
// swallowed — audit emissions never turn into a deny (§5/§7).
func (p *Pipeline) emitAudienceEvent(label string, id clientid.ID) {
	if !p.Config.Stat.Enabled {
		return
	}
	topic := []string{"apps", p.Config.ID.AccountID(), "api", "v1", "audiences", id.Audience, "events"}

	body, err := json.Marshal(map[string]any{"agent_id": id.AgentID(), "mode": string(id.Mode)})
	if err != nil {
		p.Log.Warn("audience event marshal failed", "label", label, "err", err)
		return
	}
	evt := &envelope.Message{Payload: body}
	evt.Set("type", "event")
	evt.Set("label", label)

	wire, err := envelope.Encode(evt)
	if err != nil {
		p.Log.Warn("audience event encode failed", "label", label, "err", err)
		return
	}
	if err := p.Broker.Publish(topic, wire, 1); err != nil {
		p.Log.Warn("audience event publish failed", "topic", topic, "err", err)
		return
	}
	if metrics.AudienceEventsTotal != nil {
		if c, err := metrics.AudienceEventsTotal.WithLabels(label); err == nil {
			c.Inc()
		}
	}
}
