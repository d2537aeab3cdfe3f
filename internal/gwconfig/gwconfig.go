// Package gwconfig loads the process-wide config snapshot (C9): broker
// self-identity, AuthnConfig, AuthzConfig, and the stat toggle, read once at
// startup and held immutable thereafter (§5, §6).
package gwconfig

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/lucidgate/mqtt-gateway/internal/authn"
	"github.com/lucidgate/mqtt-gateway/internal/authz"
	"github.com/lucidgate/mqtt-gateway/internal/clientid"
)

// ErrMissingEnv is wrapped into errors reporting a required environment
// variable was not set.
var ErrMissingEnv = errors.New("required environment variable not set")

// StatConfig is "disabled | {enabled, AgentId}" (§3).
type StatConfig struct {
	Enabled bool
	Self    clientid.Identity
}

// Config is the immutable snapshot shared by all hooks.
type Config struct {
	ID    clientid.Identity
	Authn authn.Config
	Authz authz.Config
	Stat  StatConfig
}

type authnIssuerEntry struct {
	Algorithm        string   `toml:"algorithm"`
	AllowedAudiences []string `toml:"allowed_audiences"`
	VerificationKey  string   `toml:"verification_key"`
}

type authzTrustedEntry struct {
	Label    string `toml:"label"`
	Audience string `toml:"audience"`
}

type authzAudienceEntry struct {
	Type    string              `toml:"type"`
	Trusted []authzTrustedEntry `toml:"trusted"`
}

// LoadAuthn parses an AuthnConfig TOML document: one table per issuer.
func LoadAuthn(data []byte) (authn.Config, error) {
	var file map[string]authnIssuerEntry
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing authn config: %w", err)
	}

	cfg := make(authn.Config, len(file))
	for issuer, entry := range file {
		cfg[issuer] = authn.IssuerConfig{
			Algorithm:        entry.Algorithm,
			AllowedAudiences: entry.AllowedAudiences,
			VerificationKey:  []byte(entry.VerificationKey),
		}
	}
	return cfg, nil
}

// LoadAuthz parses an AuthzConfig TOML document: one table per audience.
func LoadAuthz(data []byte) (authz.Config, error) {
	var file map[string]authzAudienceEntry
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing authz config: %w", err)
	}

	cfg := make(authz.Config, len(file))
	for audience, entry := range file {
		trusted := make(map[authz.Account]struct{}, len(entry.Trusted))
		for _, t := range entry.Trusted {
			trusted[authz.Account{Label: t.Label, Audience: t.Audience}] = struct{}{}
		}
		cfg[audience] = authz.AudiencePolicy{Type: entry.Type, Trusted: trusted}
	}
	return cfg, nil
}

// LoadAuthnFile reads and parses path as an AuthnConfig TOML document.
func LoadAuthnFile(path string) (authn.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authn config %s: %w", path, err)
	}
	return LoadAuthn(data)
}

// LoadAuthzFile reads and parses path as an AuthzConfig TOML document.
func LoadAuthzFile(path string) (authz.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authz config %s: %w", path, err)
	}
	return LoadAuthz(data)
}

// LoadIdentity reads the broker's own self-identity from the environment:
// APP_AGENT_LABEL, APP_ACCOUNT_LABEL, APP_AUDIENCE.
func LoadIdentity() (clientid.Identity, error) {
	agent, err := requireEnv("APP_AGENT_LABEL")
	if err != nil {
		return clientid.Identity{}, err
	}
	account, err := requireEnv("APP_ACCOUNT_LABEL")
	if err != nil {
		return clientid.Identity{}, err
	}
	audience, err := requireEnv("APP_AUDIENCE")
	if err != nil {
		return clientid.Identity{}, err
	}
	return clientid.Identity{Agent: agent, Account: account, Audience: audience}, nil
}

// LoadStat reads the APP_STAT_ENABLED toggle: "0" disables audience events,
// any other value (including unset) enables them using self as the author.
func LoadStat(self clientid.Identity) StatConfig {
	return StatConfig{
		Enabled: os.Getenv("APP_STAT_ENABLED") != "0",
		Self:    self,
	}
}

func requireEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrMissingEnv)
	}
	return v, nil
}
