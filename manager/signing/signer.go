// Package signing canonicalizes command parameter sets and computes the
// request signature the control plane verifies. Signing is a pure function:
// the same parameter map and secret always produce the same signature, no
// matter the insertion order.
package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
)

var (
	// ErrMissingSecret is returned when Sign is called without a key.
	ErrMissingSecret = errors.New("signing: missing secret key")

	// ErrEmptyCommand is returned when the parameter set is empty;
	// there is nothing meaningful to sign.
	ErrEmptyCommand = errors.New("signing: empty parameter set with no command")
)

// Sign canonicalizes params and returns the base64 HMAC-SHA1 signature
// computed with secret. This is the signer for every authenticated call.
func Sign(params map[string]string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingSecret
	}
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignLogin is the weak variant used only for the login handshake, where no
// secret exists yet: the digest is the canonical string itself, base64
// encoded. It must never authenticate a regular command.
func SignLogin(params map[string]string) (string, error) {
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(canonical)), nil
}

// Canonicalize produces the deterministic encoding that gets signed: keys
// sorted bytewise ascending, each pair URL-encoded (%20 for spaces, literal
// brackets preserved), joined with '&', and the whole string lower-cased.
func Canonicalize(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "", ErrEmptyCommand
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, encode(k)+"="+encode(params[k]))
	}
	return strings.ToLower(strings.Join(pairs, "&")), nil
}

// encode URL-encodes one component with %20 for spaces (never '+') and
// literal '[' and ']' kept as-is. The control plane verifies against this
// exact form.
func encode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "%5B", "[")
	e = strings.ReplaceAll(e, "%5D", "]")
	return e
}
