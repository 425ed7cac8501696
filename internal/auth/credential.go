// Package auth holds the process credential: the single identity the
// daemon authenticates with against upstream proxies, together with its
// password-derived hash variants. The credential is built once at startup
// and read-only afterwards.
package auth

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lichangche/cntlm/internal/netutil"
	"github.com/lichangche/cntlm/internal/ntlm"
)

// HashKind selects one of the credential's hash variants.
type HashKind int

const (
	KindLM HashKind = iota
	KindNT
	KindNTLMv2
)

func (k HashKind) String() string {
	switch k {
	case KindLM:
		return "LM"
	case KindNT:
		return "NT"
	case KindNTLMv2:
		return "NTLMv2"
	default:
		return "unknown"
	}
}

// Credential is the daemon's upstream identity. It embeds the NTLM codec
// identity (names, hashes, policy flags) and adds construction and
// policy predicates.
type Credential struct {
	ntlm.Identity
}

// Policy names the auth type selected in the configuration.
type Policy string

const (
	PolicyNTLM    Policy = "ntlm"    // legacy dual LM+NT
	PolicyNT      Policy = "nt"      // NT only
	PolicyLM      Policy = "lm"      // LM only
	PolicyNTLMv2  Policy = "ntlmv2"  // NTLMv2 only
	PolicyNTLM2SR Policy = "ntlm2sr" // NTLM2 session response
	PolicyGSS     Policy = "gss"     // Kerberos/Negotiate, NTLM disabled
)

// ApplyPolicy sets the hash selection fields for an auth type name.
func (c *Credential) ApplyPolicy(p Policy) error {
	switch Policy(strings.ToLower(string(p))) {
	case PolicyNTLM, "":
		c.HashNT, c.HashLM, c.HashNTLMv2 = 1, true, false
	case PolicyNT:
		c.HashNT, c.HashLM, c.HashNTLMv2 = 1, false, false
	case PolicyLM:
		c.HashNT, c.HashLM, c.HashNTLMv2 = 0, true, false
	case PolicyNTLMv2:
		c.HashNT, c.HashLM, c.HashNTLMv2 = 0, false, true
	case PolicyNTLM2SR:
		c.HashNT, c.HashLM, c.HashNTLMv2 = 2, false, false
	case PolicyGSS:
		c.HashNT, c.HashLM, c.HashNTLMv2 = 0, false, false
	default:
		return fmt.Errorf("unknown auth type %q", p)
	}
	return nil
}

// SetPassword computes every hash variant selected by the policy from the
// cleartext and wipes the cleartext buffer before returning.
func (c *Credential) SetPassword(password string) {
	buf := []byte(password)
	defer ntlm.Wipe(buf)

	if c.HashNT > 0 {
		c.PassNT = ntlm.HashNT(password)
	}
	if c.HashLM {
		c.PassLM = ntlm.HashLM(password)
	}
	if c.HashNTLMv2 {
		c.PassNTLMv2 = ntlm.HashNTLMv2(c.User, c.Domain, password)
	}
}

// SetAllHashes computes every variant regardless of policy; used by the
// hash-printing command.
func (c *Credential) SetAllHashes(password string) {
	c.PassNT = ntlm.HashNT(password)
	c.PassLM = ntlm.HashLM(password)
	c.PassNTLMv2 = ntlm.HashNTLMv2(c.User, c.Domain, password)
}

// SetHashHex installs a precomputed hash from its hex form.
func (c *Credential) SetHashHex(kind HashKind, hexValue string) error {
	b, err := netutil.ParseHex(hexValue, 16)
	if err != nil {
		return fmt.Errorf("invalid %s hash: %w", kind, err)
	}
	switch kind {
	case KindLM:
		c.PassLM = b[:16]
	case KindNT:
		c.PassNT = b[:16]
	case KindNTLMv2:
		c.PassNTLMv2 = b[:16]
	}
	return nil
}

// HasHash reports whether the named variant is populated.
func (c *Credential) HasHash(kind HashKind) bool {
	switch kind {
	case KindLM:
		return len(c.PassLM) == 16
	case KindNT:
		return len(c.PassNT) == 16
	case KindNTLMv2:
		return len(c.PassNTLMv2) == 16
	default:
		return false
	}
}

// PassesAny reports whether every hash the policy requires is available,
// and at least one is. The forwarder aborts early when this is false.
func (c *Credential) PassesAny() bool {
	if c.HashNTLMv2 {
		return c.HasHash(KindNTLMv2)
	}
	if c.HashNT > 0 && !c.HasHash(KindNT) {
		return false
	}
	if c.HashLM && !c.HasHash(KindLM) {
		return false
	}
	return c.HashNT > 0 || c.HashLM
}

// WithBasic derives a per-connection credential for NTLM-to-basic mode
// from a client-supplied "user:password" pair, inheriting the domain,
// workstation and policy of the base credential. The caller must Wipe it
// when the connection ends.
func (c *Credential) WithBasic(user, password string) *Credential {
	derived := &Credential{Identity: ntlm.Identity{
		User:        user,
		Domain:      c.Domain,
		Workstation: c.Workstation,
		HashNTLMv2:  c.HashNTLMv2,
		HashNT:      c.HashNT,
		HashLM:      c.HashLM,
		Flags:       c.Flags,
	}}
	if i := strings.IndexByte(user, '\\'); i >= 0 {
		derived.Domain, derived.User = user[:i], user[i+1:]
	}
	derived.SetPassword(password)
	return derived
}

// Wipe zeroes the stored hash material.
func (c *Credential) Wipe() {
	ntlm.Wipe(c.PassNT)
	ntlm.Wipe(c.PassLM)
	ntlm.Wipe(c.PassNTLMv2)
}

// Fingerprint identifies the credential for connection pooling: pooled
// upstream sockets are only interchangeable between equal identities.
func (c *Credential) Fingerprint() string {
	return c.Domain + "\\" + c.User
}

// DecodeBasic parses a Proxy-Authorization "Basic" value into user and
// password.
func DecodeBasic(value string) (user, password string, ok bool) {
	scheme, b64, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return "", "", false
	}
	user, password, found = strings.Cut(string(raw), ":")
	if !found {
		return "", "", false
	}
	return user, password, true
}
