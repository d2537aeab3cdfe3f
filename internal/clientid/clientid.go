// Package clientid parses and formats the structured MQTT Client-ID grammar:
//
//	client-id := mode-prefix "/" agent "." account "." audience
//
// The mode-prefix table is bijective; Parse and Format are inverses of one
// another for every well-formed id.
package clientid

import (
	"fmt"
	"strings"

	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
)

// Mode is the connection's role, governing ACL and property rewriting.
type Mode string

const (
	ModeDefault            Mode = "default"
	ModeService            Mode = "service"
	ModeServicePayloadOnly Mode = "service_payload_only"
	ModeObserver           Mode = "observer"
	ModeBridge             Mode = "bridge"
)

type prefixEntry struct {
	prefix    string
	version   string
	modeLabel string
	mode      Mode
}

// prefixTable is the bijective (version, mode_label) <-> mode mapping used by
// both Parse and Format, and re-used verbatim when rewriting the
// connection_version/connection_mode properties.
var prefixTable = []prefixEntry{
	{"v1/agents", "v1", "agents", ModeDefault},
	{"v1/service-agents", "v1", "service-agents", ModeService},
	{"v1.payload-only/service-agents", "v1.payload-only", "service-agents", ModeServicePayloadOnly},
	{"v1/observer-agents", "v1", "observer-agents", ModeObserver},
	{"v1/bridge-agents", "v1", "bridge-agents", ModeBridge},
}

// ID is the parsed (mode, agent_label, account_label, audience) 4-tuple.
type ID struct {
	Mode      Mode
	Version   string
	ModeLabel string
	Agent     string
	Account   string
	Audience  string
}

// AgentID is "<agent>.<account>.<audience>".
func (id ID) AgentID() string {
	return id.Agent + "." + id.Account + "." + id.Audience
}

// AccountID is "<account>.<audience>".
func (id ID) AccountID() string {
	return id.Account + "." + id.Audience
}

// Identity is the broker's own AgentId shape: the same tuple as ID minus the
// connection mode, since the broker never "connects" in any mode.
type Identity struct {
	Agent    string
	Account  string
	Audience string
}

// AgentID is "<agent>.<account>.<audience>".
func (i Identity) AgentID() string {
	return i.Agent + "." + i.Account + "." + i.Audience
}

// AccountID is "<account>.<audience>".
func (i Identity) AccountID() string {
	return i.Account + "." + i.Audience
}

// Format re-serializes id to its canonical Client-ID string.
func (id ID) Format() string {
	return fmt.Sprintf("%s/%s/%s", id.Version, id.ModeLabel, id.AgentID())
}

// Parse parses a raw Client-ID string. Parse failure, any empty segment, or
// an unknown mode prefix yield a client_identifier_not_valid error.
func Parse(raw string) (ID, error) {
	for _, e := range prefixTable {
		withSlash := e.prefix + "/"
		if !strings.HasPrefix(raw, withSlash) {
			continue
		}
		rest := raw[len(withSlash):]
		agent, account, audience, ok := splitTriple(rest)
		if !ok {
			return ID{}, gwerr.New(gwerr.KindClientIdentifierNotValid, "malformed client id: "+raw)
		}
		return ID{
			Mode:      e.mode,
			Version:   e.version,
			ModeLabel: e.modeLabel,
			Agent:     agent,
			Account:   account,
			Audience:  audience,
		}, nil
	}
	return ID{}, gwerr.New(gwerr.KindClientIdentifierNotValid, "unrecognized client id prefix: "+raw)
}

// splitTriple splits "agent.account.audience" where audience may itself
// contain dots and runs to end-of-string.
func splitTriple(s string) (agent, account, audience string, ok bool) {
	i := strings.IndexByte(s, '.')
	if i <= 0 {
		return "", "", "", false
	}
	agent = s[:i]
	rest := s[i+1:]

	j := strings.IndexByte(rest, '.')
	if j <= 0 {
		return "", "", "", false
	}
	account = rest[:j]
	audience = rest[j+1:]

	if audience == "" || !validLabel(agent) || !validLabel(account) || !validAudience(audience) {
		return "", "", "", false
	}
	return agent, account, audience, true
}

// validLabel rejects the delimiter characters a bare label must not contain.
func validLabel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "./+#")
}

// validAudience allows embedded dots (it is typically a DNS name) but still
// rejects the MQTT topic-structural characters.
func validAudience(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}
