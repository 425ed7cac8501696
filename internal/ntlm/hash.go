// Package ntlm implements the client side of the NTLM challenge-response
// protocol as deployed by HTTP proxies: building Type 1 (NEGOTIATE) and
// Type 3 (AUTHENTICATE) messages, parsing Type 2 (CHALLENGE) messages, and
// computing the LM, NT, NTLM2 session and NTLMv2 responses from password
// hashes. [MS-NLMP]
package ntlm

import (
	"crypto/des" //nolint:gosec // single DES is the NTLM LM/NT response primitive
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // HMAC-MD5 is the NTLMv2 response primitive
	"crypto/rand"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4" //nolint:staticcheck // MD4 is the NT hash primitive
)

// lmMagic is the cleartext DES-encrypted by both halves of the LM hash.
// [MS-NLMP] Section 3.3.1
var lmMagic = []byte("KGS!@#$%")

// HashNT computes the NT one-way function: MD4 of the UTF-16LE password.
// Returns 16 bytes.
func HashNT(password string) []byte {
	h := md4.New()
	h.Write(EncodeUTF16LE(password))
	return h.Sum(nil)
}

// HashLM computes the LM one-way function: the password is uppercased,
// padded or truncated to 14 bytes, and its two 7-byte halves each DES-key
// encrypt the LM magic constant. Returns 16 bytes.
func HashLM(password string) []byte {
	key := make([]byte, 14)
	copy(key, strings.ToUpper(password))
	defer Wipe(key)

	out := make([]byte, 16)
	first, err := desEncrypt(key[0:7], lmMagic)
	if err != nil {
		return out
	}
	second, err := desEncrypt(key[7:14], lmMagic)
	if err != nil {
		return out
	}
	copy(out[0:8], first)
	copy(out[8:16], second)
	return out
}

// HashNTLMv2 computes the NTLMv2 response key:
// HMAC-MD5(NT hash, UTF16LE(UPPERCASE(user) + domain)). Returns 16 bytes.
func HashNTLMv2(user, domain, password string) []byte {
	nt := HashNT(password)
	defer Wipe(nt)
	return HashNTLMv2FromNT(nt, user, domain)
}

// HashNTLMv2FromNT derives the NTLMv2 key from a precomputed NT hash.
func HashNTLMv2FromNT(ntHash []byte, user, domain string) []byte {
	return hmacMD5(ntHash, EncodeUTF16LE(strings.ToUpper(user)+domain))
}

// legacyResponse computes the classic 24-byte LM/NT response: the 16-byte
// hash is zero-padded to 21 bytes, split into three 7-byte DES keys, and
// each key encrypts the 8-byte server challenge.
func legacyResponse(hash16, challenge []byte) []byte {
	padded := make([]byte, 21)
	copy(padded, hash16)
	defer Wipe(padded)

	out := make([]byte, 24)
	for i := 0; i < 3; i++ {
		enc, err := desEncrypt(padded[i*7:i*7+7], challenge[:8])
		if err != nil {
			return out
		}
		copy(out[i*8:], enc)
	}
	return out
}

// ntlm2SessionResponse computes the NTLM2 session security pair: the LM
// slot carries the client nonce padded with zeros, and the NT response is
// the legacy computation over MD5(server challenge + client nonce)
// truncated to 8 bytes.
func ntlm2SessionResponse(ntHash, challenge, clientNonce []byte) (lm, nt []byte) {
	lm = make([]byte, 24)
	copy(lm, clientNonce[:8])

	sum := md5.Sum(append(append([]byte{}, challenge[:8]...), clientNonce[:8]...))
	nt = legacyResponse(ntHash, sum[0:8])
	return lm, nt
}

// ntlmv2Response computes the NTLMv2 pair for a parsed challenge.
//
// Blob layout: version (0x01 0x01), 6 reserved bytes, FILETIME timestamp,
// 8-byte client nonce, 4 zero bytes, the server's target info, 4 zero
// bytes. NT response = HMAC-MD5(key, challenge + blob) + blob; LM response
// = HMAC-MD5(key, challenge + nonce) + nonce.
func ntlmv2Response(v2Hash, challenge, clientNonce, targetInfo []byte, timestamp uint64) (lm, nt []byte) {
	blob := make([]byte, 0, 28+len(targetInfo)+4)
	blob = append(blob, 0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
	blob = binary.LittleEndian.AppendUint64(blob, timestamp)
	blob = append(blob, clientNonce[:8]...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00)
	blob = append(blob, targetInfo...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00)

	ntProof := hmacMD5(v2Hash, append(append([]byte{}, challenge[:8]...), blob...))
	nt = append(ntProof, blob...)

	lmProof := hmacMD5(v2Hash, append(append([]byte{}, challenge[:8]...), clientNonce[:8]...))
	lm = append(lmProof, clientNonce[:8]...)
	return lm, nt
}

// Filetime converts a time to Windows FILETIME: 100-nanosecond intervals
// since 1601-01-01.
func Filetime(t time.Time) uint64 {
	const epochDiff = 116444736000000000
	return uint64(t.UnixNano()/100) + epochDiff
}

// EncodeUTF16LE encodes a string as UTF-16LE bytes.
func EncodeUTF16LE(s string) []byte {
	encoded := utf16.Encode([]rune(s))
	b := make([]byte, len(encoded)*2)
	for i, v := range encoded {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// Wipe zeroes a buffer holding secret material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func hmacMD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// desEncrypt expands a 7-byte key to the 8-byte DES parity layout and
// encrypts one block.
func desEncrypt(key7, block []byte) ([]byte, error) {
	key := expandDESKey(key7)
	defer Wipe(key)
	c, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8)
	c.Encrypt(out, block)
	return out, nil
}

// expandDESKey spreads 56 key bits over 8 bytes, leaving the low bit of
// each byte for parity.
func expandDESKey(key7 []byte) []byte {
	key := make([]byte, 8)
	key[0] = key7[0]
	key[1] = key7[0]<<7 | key7[1]>>1
	key[2] = key7[1]<<6 | key7[2]>>2
	key[3] = key7[2]<<5 | key7[3]>>3
	key[4] = key7[3]<<4 | key7[4]>>4
	key[5] = key7[4]<<3 | key7[5]>>5
	key[6] = key7[5]<<2 | key7[6]>>6
	key[7] = key7[6] << 1
	return key
}

// clientNonce returns 8 random bytes for the NTLM2/NTLMv2 client challenge.
func clientNonce() []byte {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return b
}
