// Package authz implements the connect-time authorizer (§4.4): a non-default
// connection mode is only accepted if the authenticated account is in the
// trusted set of the broker's own audience.
package authz

import (
	"github.com/lucidgate/mqtt-gateway/internal/authn"
	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
)

// Account identifies a trusted-set member: {account_label, audience}.
type Account struct {
	Label    string
	Audience string
}

// AudiencePolicy is one AuthzConfig entry, keyed by audience.
type AudiencePolicy struct {
	Type    string // currently only "trusted" is defined
	Trusted map[Account]struct{}
}

// Config maps the broker's own audience to its policy.
type Config map[string]AudiencePolicy

// CheckConnect authorizes a connect attempt for mode against brokerAudience's
// policy. mode=default is always allowed once authenticated; any other mode
// requires acct to be in the trusted set of the broker's own audience (not
// the connector's).
func CheckConnect(cfg Config, brokerAudience string, mode clientid.Mode, acct authn.AccountID) error {
	if mode == clientid.ModeDefault {
		return nil
	}

	policy, ok := cfg[brokerAudience]
	if !ok {
		return gwerr.New(gwerr.KindNotAuthorized, "no policy configured for broker audience "+brokerAudience)
	}

	key := Account{Label: acct.Label, Audience: acct.Audience}
	if _, trusted := policy.Trusted[key]; !trusted {
		return gwerr.New(gwerr.KindNotAuthorized, "account not in trusted set of broker audience "+brokerAudience)
	}
	return nil
}
