// Package rewrite implements the property rewriter (§4.6): given inbound
// properties, the connector's ClientId, the broker's own identity, and the
// current timestamp, it produces the outbound property set and validates
// the §3 invariants.
package rewrite

import (
	"strconv"
	"strings"

	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/envelope"
	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
)

// Apply mutates msg in place per the eight rewrite steps and validates the
// result. now is milliseconds since epoch (T in the spec).
func Apply(msg *envelope.Message, id clientid.ID, broker clientid.Identity, now int64) error {
	if err := msg.ValidateUTF8(); err != nil {
		return err
	}

	// Step 1: default type to "event".
	if _, ok := msg.Get("type"); !ok {
		msg.Set("type", "event")
	}

	// Step 2: bridge mode only validates client-supplied identity fields;
	// every other mode overwrites them from the verified Client-ID.
	if id.Mode == clientid.ModeBridge {
		for _, key := range []string{"agent_label", "account_label", "audience"} {
			if v, ok := msg.Get(key); !ok || v == "" {
				return gwerr.New(gwerr.KindImplSpecificError, "bridge mode requires non-empty "+key)
			}
		}
	} else {
		msg.Set("agent_label", id.Agent)
		msg.Set("account_label", id.Account)
		msg.Set("audience", id.Audience)
	}

	// Step 3: connection_version/connection_mode from the bijective
	// (version, mode_label) pair.
	msg.Set("connection_version", id.Version)
	msg.Set("connection_mode", id.ModeLabel)

	// Step 4: broker-attested identity.
	msg.Set("broker_agent_label", broker.Agent)
	msg.Set("broker_account_label", broker.Account)
	msg.Set("broker_audience", broker.Audience)

	// Step 5: processing timestamps.
	tStr := strconv.FormatInt(now, 10)
	msg.Set("broker_processing_timestamp", tStr)
	if _, ok := msg.Get("broker_initial_processing_timestamp"); !ok {
		msg.Set("broker_initial_processing_timestamp", tStr)
	}

	// Step 6: initial_timestamp seeded once from timestamp.
	if ts, ok := msg.Get("timestamp"); ok {
		if _, ok := msg.Get("initial_timestamp"); !ok {
			msg.Set("initial_timestamp", ts)
		}
	}

	// Step 7: local timediff handling.
	localTimestamp, hasLocalTimestamp := msg.Get("local_timestamp")
	_, hasDiff := msg.Get("local_initial_timediff")

	if id.Mode == clientid.ModeDefault && hasDiff && !hasLocalTimestamp {
		msg.Delete("local_initial_timediff")
		hasDiff = false
	}
	if hasLocalTimestamp && !hasDiff {
		lt, err := strconv.ParseInt(localTimestamp, 10, 64)
		if err != nil {
			return gwerr.Wrap(gwerr.KindImplSpecificError, "local_timestamp is not an integer", err)
		}
		msg.Set("local_initial_timediff", strconv.FormatInt(now-lt, 10))
	}

	// Step 8: invariant validation.
	return validate(msg, id)
}

// validate enforces the §3 invariants that survive the rewrite.
func validate(msg *envelope.Message, id clientid.ID) error {
	msgType, _ := msg.Get("type")

	switch msgType {
	case "request":
		_, hasMethod := msg.Get("method")
		if !hasMethod || !msg.HasCorrelation || !msg.HasResponseTopic {
			return gwerr.New(gwerr.KindImplSpecificError, "type=request requires method, correlation_data, response_topic")
		}
		if id.Mode != clientid.ModeService && id.Mode != clientid.ModeServicePayloadOnly {
			if !isOwnInboundTopic(msg.ResponseTopic, id) {
				return gwerr.New(gwerr.KindImplSpecificError, "response_topic must address the sender's own inbound topic")
			}
		}
	case "response":
		_, hasStatus := msg.Get("status")
		if !hasStatus || !msg.HasCorrelation {
			return gwerr.New(gwerr.KindImplSpecificError, "type=response requires status, correlation_data")
		}
	}

	if id.Mode == clientid.ModeDefault {
		if _, ok := msg.Get("local_initial_timediff"); !ok {
			return gwerr.New(gwerr.KindImplSpecificError, "mode=default requires local_initial_timediff")
		}
	}

	return nil
}

// isOwnInboundTopic checks response_topic matches
// agents/<agent_id=me>/api/<ver>/in/<anything>.
func isOwnInboundTopic(responseTopic string, id clientid.ID) bool {
	segs := strings.Split(responseTopic, "/")
	return len(segs) >= 6 &&
		segs[0] == "agents" &&
		segs[1] == id.AgentID() &&
		segs[2] == "api" &&
		segs[3] == id.Version &&
		segs[4] == "in"
}
