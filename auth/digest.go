// Package auth answers SIP digest authentication challenges.
//
// It is a stateless wrapper around github.com/icholy/digest: the caller hands
// in the raw WWW-Authenticate (or Proxy-Authenticate) header value together
// with the request method and URI, and gets back a ready-to-send
// Authorization header value. Both the legacy no-qop form and the
// qop=auth/auth-int form are supported; the library picks the hashing formula
// from the challenge.
package auth

import (
	"errors"
	"fmt"

	"github.com/icholy/digest"
)

// ErrMalformedChallenge is returned when a 401/407 challenge cannot be
// answered, typically because realm or nonce is missing. No defaults are
// guessed in that case.
var ErrMalformedChallenge = errors.New("malformed digest challenge")

// Credentials identify one SIP endpoint against a registrar realm.
// The password must never end up in logs.
type Credentials struct {
	Username string
	Password string
}

// Options carry the per-request digest inputs. Cnonce and Count are only set
// explicitly by tests; when zero the library generates a random cnonce and
// starts the nonce count at 1.
type Options struct {
	Method string
	URI    string
	Cnonce string
	Count  int
}

// Authorize computes the Authorization header value answering the given
// challenge. Pure and deterministic for fixed Options.
func Authorize(challenge string, creds Credentials, opts Options) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}
	if chal.Realm == "" || chal.Nonce == "" {
		return "", fmt.Errorf("%w: missing realm or nonce", ErrMalformedChallenge)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   opts.Method,
		URI:      opts.URI,
		Username: creds.Username,
		Password: creds.Password,
		Cnonce:   opts.Cnonce,
		Count:    opts.Count,
	})
	if err != nil {
		return "", fmt.Errorf("could not compute digest: %w", err)
	}
	return cred.String(), nil
}
