// Package mqtthook adapts github.com/mochi-mqtt/server/v2's Hook interface
// to the pipeline (§6 "hook interface exposed", §2 C8). It is the only
// package that imports the mochi-mqtt wire types.
package mqtthook

import (
	"fmt"
	"strings"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/lucidgate/mqtt-gateway/internal/broker"
)

// ServerBroker implements internal/broker.Broker on top of a running
// mochi-mqtt server, grounded on pkg/mqtt/broker.go's Broker.Publish
// (b.server.Publish(topic, payload, retain, qos)) and Broker.GetClients
// (b.server.Clients.GetAll()).
type ServerBroker struct {
	Server *mqtt.Server
}

// NewServerBroker wraps srv to satisfy broker.Broker.
func NewServerBroker(srv *mqtt.Server) *ServerBroker {
	return &ServerBroker{Server: srv}
}

// Publish joins topic into a wire string and publishes it non-retained at
// the given QoS (§6 broker interface: publish(topic, payload, qos)).
func (b *ServerBroker) Publish(topic []string, payload []byte, qos byte) error {
	return b.Server.Publish(strings.Join(topic, "/"), payload, false, qos)
}

// Subscribe installs subs on behalf of subject, the recipient's own raw
// Client-ID. mochi-mqtt has no public "subscribe on behalf of an arbitrary
// client-id" call distinct from a live connection's own SUBSCRIBE packet, so
// this looks the client up by its connect-time ID and manipulates its
// subscription filters directly through the server's topic trie
// (TopicsIndex.Subscribe(client string, subscription packets.Subscription)).
func (b *ServerBroker) Subscribe(subject string, subs []broker.Subscription) error {
	cl, ok := b.lookupClient(subject)
	if !ok {
		return fmt.Errorf("mqtthook: subscribe target %q is not connected", subject)
	}
	for _, s := range subs {
		filter := strings.Join(s.Topic, "/")
		sub := packets.Subscription{Filter: filter, Qos: s.QoS}
		if !b.Server.Topics.Subscribe(cl.ID, sub) {
			return fmt.Errorf("mqtthook: subscribe %q to %q failed", subject, filter)
		}
	}
	return nil
}

// Unsubscribe removes topics from subject's subscription set.
func (b *ServerBroker) Unsubscribe(subject string, topics [][]string) error {
	cl, ok := b.lookupClient(subject)
	if !ok {
		// Already gone: nothing left to unsubscribe, not an error (§4.7
		// cleanup runs after the client has disconnected).
		return nil
	}
	for _, t := range topics {
		filter := strings.Join(t, "/")
		b.Server.Topics.Unsubscribe(filter, cl.ID)
	}
	return nil
}

// ListConnections returns the raw Client-ID of every connected client.
func (b *ServerBroker) ListConnections() ([]string, error) {
	clients := b.Server.Clients.GetAll()
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	return ids, nil
}

// lookupClient finds the connected client whose raw Client-ID is subject.
func (b *ServerBroker) lookupClient(subject string) (*mqtt.Client, bool) {
	return b.Server.Clients.Get(subject)
}
