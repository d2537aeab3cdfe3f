// Package envelope implements the typed in-memory Message representation and
// the JSON wire envelope used to carry MQTT5 user-properties over MQTT3.
package envelope

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
)

// KV is one ordered user-property key/value pair.
type KV struct {
	Key   string
	Value string
}

// Message is the typed in-memory representation: a byte payload, an ordered
// list of user properties, and the two MQTT5 properties that get their own
// wire slot (correlation_data, response_topic). The string-keyed property
// bag on the wire is distinct from this typed representation.
type Message struct {
	Payload         []byte
	UserProperties  []KV
	CorrelationData []byte
	ResponseTopic   string
	HasCorrelation  bool
	HasResponseTopic bool
}

// Get returns the value of key and whether it was present.
func (m *Message) Get(key string) (string, bool) {
	for _, kv := range m.UserProperties {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set updates key in place if present, preserving its position, or appends
// it at the end otherwise. This is what makes the rewriter's ordering
// invariant (preserve untouched keys' relative order, append new ones in the
// order introduced) fall out for free from sequential Set calls.
func (m *Message) Set(key, value string) {
	for i := range m.UserProperties {
		if m.UserProperties[i].Key == key {
			m.UserProperties[i].Value = value
			return
		}
	}
	m.UserProperties = append(m.UserProperties, KV{Key: key, Value: value})
}

// Delete removes key if present.
func (m *Message) Delete(key string) {
	for i := range m.UserProperties {
		if m.UserProperties[i].Key == key {
			m.UserProperties = append(m.UserProperties[:i], m.UserProperties[i+1:]...)
			return
		}
	}
}

// ValidateUTF8 checks every user-property key and value is valid UTF-8, as
// required before any rewrite step runs.
func (m *Message) ValidateUTF8() error {
	for _, kv := range m.UserProperties {
		if !utf8.ValidString(kv.Key) || !utf8.ValidString(kv.Value) {
			return gwerr.New(gwerr.KindImplSpecificError, "user property key/value is not valid UTF-8: "+kv.Key)
		}
	}
	return nil
}

// wireEnvelope is the flat JSON shape used for modes other than
// service_payload_only: {"payload": "...", "properties": {...}}.
type wireEnvelope struct {
	Payload    string            `json:"payload"`
	Properties map[string]string `json:"properties"`
}

// Decode parses inbound bytes into a Message. For payloadOnly connections
// the raw bytes are the payload verbatim and properties are empty; otherwise
// the bytes must decode as the flat JSON envelope, with correlation_data and
// response_topic lifted out of the flat property object into their MQTT5
// slots and the remainder kept as ordered user properties.
func Decode(raw []byte, payloadOnly bool) (*Message, error) {
	if payloadOnly {
		return &Message{Payload: raw}, nil
	}

	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&w); err != nil {
		return nil, gwerr.Wrap(gwerr.KindImplSpecificError, "envelope is not a valid JSON object", err)
	}

	msg := &Message{Payload: []byte(w.Payload)}
	for key, value := range w.Properties {
		switch key {
		case "correlation_data":
			msg.CorrelationData = []byte(value)
			msg.HasCorrelation = true
		case "response_topic":
			msg.ResponseTopic = value
			msg.HasResponseTopic = true
		default:
			msg.UserProperties = append(msg.UserProperties, KV{Key: key, Value: value})
		}
	}
	return msg, nil
}

// Encode re-wraps msg as the flat JSON envelope: every user-property
// key/value first, then correlation_data and response_topic verbatim if
// present.
func Encode(msg *Message) ([]byte, error) {
	flat := make(map[string]string, len(msg.UserProperties)+2)
	for _, kv := range msg.UserProperties {
		flat[kv.Key] = kv.Value
	}
	if msg.HasCorrelation {
		flat["correlation_data"] = string(msg.CorrelationData)
	}
	if msg.HasResponseTopic {
		flat["response_topic"] = msg.ResponseTopic
	}

	w := wireEnvelope{Payload: string(msg.Payload), Properties: flat}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindImplSpecificError, "failed to encode envelope", err)
	}
	return out, nil
}
