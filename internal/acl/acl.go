// Package acl implements the per-mode topic grammar (§4.5): three topic
// families (broadcast, multicast, unicast-in), all rooted at literal
// prefixes, checked against the connector's own agent/account id.
//
// Topics are segmented arrays (split on '/'), matching the broker
// interface's own representation, to avoid ambiguity around '/' inside a
// label.
package acl

import (
	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
)

func deny(what string) error {
	return gwerr.New(gwerr.KindNotAuthorized, what)
}

func modeIn(mode clientid.Mode, set ...clientid.Mode) bool {
	for _, m := range set {
		if mode == m {
			return true
		}
	}
	return false
}

// CheckPublish authorizes topic (segmented) for a publish from a connector
// identified by agentID/accountID in the given mode.
func CheckPublish(topic []string, mode clientid.Mode, agentID, accountID string) error {
	if isBroadcast(topic) && topic[1] == accountID {
		if modeIn(mode, clientid.ModeService, clientid.ModeServicePayloadOnly, clientid.ModeObserver, clientid.ModeBridge) {
			return nil
		}
		return deny("broadcast publish not permitted for mode " + string(mode))
	}

	if isOutMulticast(topic) && topic[1] == agentID {
		return nil
	}

	if isInUnicast(topic) && topic[5] == accountID {
		if modeIn(mode, clientid.ModeService, clientid.ModeServicePayloadOnly, clientid.ModeObserver, clientid.ModeBridge) {
			return nil
		}
		return deny("unicast-in publish not permitted for mode " + string(mode))
	}

	return deny("topic does not match any permitted publish family")
}

// CheckSubscribe authorizes topic (segmented) for a subscribe request from a
// connector in the given mode. A leading $share/<group>/ prefix is stripped
// here via StripShare before any family is matched (monotonicity invariant).
func CheckSubscribe(topic []string, mode clientid.Mode, agentID, accountID string) error {
	topic = StripShare(topic)

	if mode == clientid.ModeObserver {
		return nil
	}

	if isBroadcastPrefix(topic) {
		if modeIn(mode, clientid.ModeService, clientid.ModeServicePayloadOnly, clientid.ModeBridge) {
			return nil
		}
		return deny("broadcast subscribe not permitted for mode " + string(mode))
	}

	if isOutMulticastSubscribe(topic) && topic[5] == accountID {
		if modeIn(mode, clientid.ModeService, clientid.ModeServicePayloadOnly, clientid.ModeBridge) {
			return nil
		}
		return deny("multicast subscribe not permitted for mode " + string(mode))
	}

	if isInUnicastSubscribe(topic) && topic[1] == agentID {
		return nil
	}

	return deny("topic does not match any permitted subscribe family")
}

// StripShare strips a leading "$share/<group>/" prefix so that ACL checks
// are monotone under shared-subscription rewriting (§8 invariant 6).
func StripShare(topic []string) []string {
	if len(topic) >= 2 && topic[0] == "$share" {
		return topic[2:]
	}
	return topic
}

// isBroadcast matches "apps/<account>/api/<ver>/..."; the segments after
// <ver> may be absent, so "apps/<account>/api/<ver>" itself also matches.
func isBroadcast(topic []string) bool {
	return len(topic) >= 4 && topic[0] == "apps" && topic[2] == "api"
}

// isBroadcastPrefix is the subscribe-side broadcast family, which does not
// pin the account segment to a specific value.
func isBroadcastPrefix(topic []string) bool {
	return len(topic) >= 4 && topic[0] == "apps" && topic[2] == "api"
}

// isOutMulticast matches "agents/<agent>/api/<ver>/out/<account>".
func isOutMulticast(topic []string) bool {
	return len(topic) == 6 && topic[0] == "agents" && topic[2] == "api" && topic[4] == "out"
}

func isOutMulticastSubscribe(topic []string) bool {
	return isOutMulticast(topic)
}

// isInUnicast matches "agents/<agent>/api/<ver>/in/<account>".
func isInUnicast(topic []string) bool {
	return len(topic) == 6 && topic[0] == "agents" && topic[2] == "api" && topic[4] == "in"
}

func isInUnicastSubscribe(topic []string) bool {
	return isInUnicast(topic)
}
