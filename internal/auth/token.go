// Package auth mints and verifies the time-boxed credentials that
// authorize streaming and REST calls.
//
// The scheme uses two secrets: the stream secret MACs the credential's
// issue timestamp (and signs event payloads on the push channel), while
// the token secret signs the JWT envelope. A leaked envelope key alone
// cannot forge the inner timestamp MAC, and vice versa.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidityWindow bounds how long a minted credential is accepted. It also
// bounds how long a streaming session may stay open before the caller
// must mint a fresh credential.
const ValidityWindow = 15 * time.Minute

var (
	// ErrExpired indicates the credential's validity window has passed.
	ErrExpired = errors.New("credential expired")
	// ErrBadSignature indicates the envelope or timestamp MAC did not verify.
	ErrBadSignature = errors.New("credential signature invalid")
)

// Minter produces and checks credentials for one server configuration.
type Minter struct {
	streamSecret string
	tokenSecret  string
	// now is swappable for tests.
	now func() time.Time
}

// NewMinter creates a Minter from the two configured secrets.
func NewMinter(streamSecret, tokenSecret string) *Minter {
	return &Minter{
		streamSecret: streamSecret,
		tokenSecret:  tokenSecret,
		now:          time.Now,
	}
}

// Mint issues a credential valid for ValidityWindow from now.
func (m *Minter) Mint() (string, error) {
	if m.streamSecret == "" || m.tokenSecret == "" {
		return "", errors.New("stream and token secrets must be configured")
	}

	issued := m.now()
	ts := issued.Unix()

	claims := jwt.MapClaims{
		"iat": ts,
		"exp": issued.Add(ValidityWindow).Unix(),
		"ts":  ts,
		"mac": timestampMAC(m.streamSecret, ts),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.tokenSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

// Verify checks the envelope signature, expiry, and the inner timestamp MAC.
func (m *Minter) Verify(credential string) error {
	parsed, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("invalid signing method")
		}
		return []byte(m.tokenSecret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrBadSignature
	}

	tsVal, ok := claims["ts"].(float64)
	if !ok {
		return ErrBadSignature
	}
	ts := int64(tsVal)

	mac, _ := claims["mac"].(string)
	expected := timestampMAC(m.streamSecret, ts)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return ErrBadSignature
	}

	if m.now().Sub(time.Unix(ts, 0)) > ValidityWindow {
		return ErrExpired
	}

	return nil
}

// timestampMAC produces the hex HMAC-SHA256 of the issue timestamp under
// the stream secret.
func timestampMAC(secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// EventSignature computes the hex HMAC-SHA256 of an event payload's
// canonical JSON encoding under the stream secret. The backend attaches
// this as the "sig" field of each stream envelope.
func EventSignature(secret string, event map[string]any) (string, error) {
	raw, err := canonicalEventJSON(event)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyEventSignature checks a stream envelope signature.
func VerifyEventSignature(secret string, event map[string]any, sig string) bool {
	expected, err := EventSignature(secret, event)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(expected))
}

// canonicalEventJSON renders an event the way the server does before
// signing: keys sorted, items joined with ", ", keys and values separated
// by ": ", and non-ASCII characters escaped. Decode payloads with
// json.Decoder.UseNumber so numbers keep their wire spelling.
func canonicalEventJSON(v any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(string(x))
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			b.WriteString(strconv.FormatInt(int64(x), 10))
		} else {
			b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		}
	case string:
		writeCanonicalString(b, x)
	case []any:
		b.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			writeCanonicalString(b, k)
			b.WriteString(": ")
			if err := writeCanonical(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("cannot canonicalize value of type %T", v)
	}
	return nil
}

func writeCanonicalString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(b, `\u%04x`, r)
			case r < 0x80:
				b.WriteRune(r)
			case r > 0xffff:
				// Escaped as a UTF-16 surrogate pair.
				r -= 0x10000
				fmt.Fprintf(b, `\u%04x\u%04x`, 0xd800+(r>>10), 0xdc00+(r&0x3ff))
			default:
				fmt.Fprintf(b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
}
