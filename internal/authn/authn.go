// Package authn verifies the MQTT password field as a compact JWT and
// derives the authenticated AccountId from its claims.
package authn

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lucidgate/mqtt-gateway/internal/clientid"
	"github.com/lucidgate/mqtt-gateway/internal/gwerr"
)

// IssuerConfig is one entry of the AuthnConfig mapping: issuer -> policy.
type IssuerConfig struct {
	Algorithm        string
	AllowedAudiences []string
	// VerificationKey is the raw HMAC secret for this issuer. This
	// implementation only supports HMAC (HS256/HS384/HS512) algorithms; an
	// RS256/ES256 issuer would need a parsed public key here instead.
	VerificationKey []byte
}

// Config maps issuer (the JWT "iss" claim) to its IssuerConfig.
type Config map[string]IssuerConfig

// AccountID is the authenticated principal: {label=sub, audience=aud}.
type AccountID struct {
	Label    string
	Audience string
}

// Authenticate verifies password as a JWT against cfg. The header selects an
// algorithm, the "iss" claim selects the issuer's key, and "aud" must be one
// of that issuer's allowed audiences. Any signature or claim failure yields
// bad_username_or_password — the caller never learns which.
func Authenticate(cfg Config, password string) (AccountID, error) {
	var matchedIssuer IssuerConfig

	token, err := jwt.Parse(password, func(t *jwt.Token) (interface{}, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type")
		}
		iss, _ := claims["iss"].(string)
		issuerCfg, ok := cfg[iss]
		if !ok {
			return nil, fmt.Errorf("unknown issuer %q", iss)
		}
		if t.Method.Alg() != issuerCfg.Algorithm {
			return nil, fmt.Errorf("unexpected signing method %q for issuer %q", t.Method.Alg(), iss)
		}
		matchedIssuer = issuerCfg
		return issuerCfg.VerificationKey, nil
	}, jwt.WithValidMethods(allowedAlgorithms(cfg)))

	if err != nil || !token.Valid {
		return AccountID{}, gwerr.Wrap(gwerr.KindBadUsernameOrPassword, "jwt verification failed", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AccountID{}, gwerr.New(gwerr.KindBadUsernameOrPassword, "jwt claims malformed")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return AccountID{}, gwerr.Wrap(gwerr.KindBadUsernameOrPassword, "jwt missing subject claim", err)
	}

	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return AccountID{}, gwerr.Wrap(gwerr.KindBadUsernameOrPassword, "jwt missing audience claim", err)
	}

	matched, ok := firstAllowed(auds, matchedIssuer.AllowedAudiences)
	if !ok {
		return AccountID{}, gwerr.New(gwerr.KindBadUsernameOrPassword, "jwt audience not permitted for issuer")
	}

	return AccountID{Label: sub, Audience: matched}, nil
}

// CheckMatchesClientID enforces that the authenticated AccountId equals the
// {account_label, audience} named by the Client-ID. A mismatch is a connect
// denial, not a bad-credentials error, per the failure-semantics table.
func CheckMatchesClientID(acct AccountID, id clientid.ID) error {
	if acct.Label != id.Account || acct.Audience != id.Audience {
		return gwerr.New(gwerr.KindNotAuthorized, "authenticated account does not match client id")
	}
	return nil
}

func allowedAlgorithms(cfg Config) []string {
	seen := make(map[string]struct{}, len(cfg))
	var algos []string
	for _, issuerCfg := range cfg {
		if _, ok := seen[issuerCfg.Algorithm]; ok {
			continue
		}
		seen[issuerCfg.Algorithm] = struct{}{}
		algos = append(algos, issuerCfg.Algorithm)
	}
	return algos
}

func firstAllowed(candidates jwt.ClaimStrings, allowed []string) (string, bool) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := allowedSet[c]; ok {
			return c, true
		}
	}
	return "", false
}
