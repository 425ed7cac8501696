package ntlm

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"
)

// Signature is the 8-byte signature opening every NTLM message: "NTLMSSP\0".
// [MS-NLMP] Section 2.2.1
var Signature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

// MessageType identifies the three messages in the NTLM handshake.
type MessageType uint32

const (
	// Negotiate (Type 1) opens the handshake.
	Negotiate MessageType = 1
	// Challenge (Type 2) carries the server challenge.
	Challenge MessageType = 2
	// Authenticate (Type 3) carries the challenge responses.
	Authenticate MessageType = 3
)

// NegotiateFlag bits exchanged in all three messages.
// [MS-NLMP] Section 2.2.2.5
type NegotiateFlag uint32

const (
	FlagUnicode             NegotiateFlag = 0x00000001
	FlagOEM                 NegotiateFlag = 0x00000002
	FlagRequestTarget       NegotiateFlag = 0x00000004
	FlagSign                NegotiateFlag = 0x00000010
	FlagSeal                NegotiateFlag = 0x00000020
	FlagLMKey               NegotiateFlag = 0x00000080
	FlagNTLM                NegotiateFlag = 0x00000200
	FlagDomainSupplied      NegotiateFlag = 0x00001000
	FlagWorkstationSupplied NegotiateFlag = 0x00002000
	FlagAlwaysSign          NegotiateFlag = 0x00008000
	FlagTargetTypeDomain    NegotiateFlag = 0x00010000
	FlagTargetTypeServer    NegotiateFlag = 0x00020000
	FlagExtendedSecurity    NegotiateFlag = 0x00080000
	FlagTargetInfo          NegotiateFlag = 0x00800000
	FlagVersion             NegotiateFlag = 0x02000000
	Flag128                 NegotiateFlag = 0x20000000
	FlagKeyExch             NegotiateFlag = 0x40000000
	Flag56                  NegotiateFlag = 0x80000000
)

// Message layout constants.
const (
	headerSize = 12 // signature (8) + message type (4)

	// Type 2 (CHALLENGE) field offsets. [MS-NLMP] Section 2.2.1.2
	challengeFlagsOffset      = 20
	challengeNonceOffset      = 24
	challengeTargetInfoOffset = 40
	challengeMinSize          = 32
	challengeTargetInfoMin    = 48

	// Type 3 (AUTHENTICATE) fixed header size (through NegotiateFlags,
	// no version). [MS-NLMP] Section 2.2.1.3
	authBaseSize = 64

	// Type 1 (NEGOTIATE) fixed header size: signature, type, flags and
	// the domain and workstation security buffers.
	negotiateBaseSize = 32
)

// Identity is the read-only material the codec authenticates with. The
// hash selection fields mirror the daemon's auth policy: NTLMv2, NT
// (1 = classic, 2 = NTLM2 session security) and LM may be combined, and
// when both legacy responses are selected both are populated.
type Identity struct {
	User        string
	Domain      string
	Workstation string

	PassNT     []byte // 16 bytes, nil when not available
	PassLM     []byte // 16 bytes, nil when not available
	PassNTLMv2 []byte // 16 bytes, nil when not available

	HashNTLMv2 bool
	HashNT     int // 0 off, 1 classic, 2 NTLM2 session response
	HashLM     bool

	// Flags overrides the negotiate flag set when non-zero.
	Flags uint32
}

// NegotiateFlags returns the flag set for the Type 1 message: the manual
// override when configured, otherwise a fixed default with extended
// session security added for the NTLM2/NTLMv2 policies.
func (id *Identity) NegotiateFlags() NegotiateFlag {
	if id.Flags != 0 {
		return NegotiateFlag(id.Flags)
	}
	flags := FlagUnicode | FlagOEM | FlagRequestTarget | FlagNTLM |
		FlagAlwaysSign | FlagDomainSupplied | FlagWorkstationSupplied
	if id.HashNTLMv2 || id.HashNT == 2 {
		flags |= FlagExtendedSecurity
	}
	return flags
}

// NegotiateMessage builds the Type 1 message. The workstation and domain
// ride as OEM (ASCII, uppercase) security buffers after the fixed header.
func NegotiateMessage(id *Identity) []byte {
	ws := []byte(strings.ToUpper(id.Workstation))
	dom := []byte(strings.ToUpper(id.Domain))

	msg := make([]byte, negotiateBaseSize+len(ws)+len(dom))
	copy(msg, Signature)
	binary.LittleEndian.PutUint32(msg[8:], uint32(Negotiate))
	binary.LittleEndian.PutUint32(msg[12:], uint32(id.NegotiateFlags()))

	wsOffset := negotiateBaseSize
	domOffset := wsOffset + len(ws)

	// domain security buffer at offset 16, workstation at offset 24
	putSecBuf(msg[16:], len(dom), domOffset)
	putSecBuf(msg[24:], len(ws), wsOffset)

	copy(msg[wsOffset:], ws)
	copy(msg[domOffset:], dom)
	return msg
}

// ChallengeMessage is a parsed Type 2 message.
type ChallengeMessage struct {
	Flags      NegotiateFlag
	Nonce      [8]byte
	TargetInfo []byte
}

// ParseChallenge parses a Type 2 message. It fails with ErrBadChallenge on
// a signature mismatch, a type field other than 2, or a target-info
// security buffer pointing outside the message.
func ParseChallenge(buf []byte) (*ChallengeMessage, error) {
	if len(buf) < challengeMinSize {
		return nil, ErrBadChallenge
	}
	if !bytes.Equal(buf[:8], Signature) {
		return nil, ErrBadChallenge
	}
	if MessageType(binary.LittleEndian.Uint32(buf[8:12])) != Challenge {
		return nil, ErrBadChallenge
	}

	ch := &ChallengeMessage{
		Flags: NegotiateFlag(binary.LittleEndian.Uint32(buf[challengeFlagsOffset:])),
	}
	copy(ch.Nonce[:], buf[challengeNonceOffset:challengeNonceOffset+8])

	if ch.Flags&FlagTargetInfo != 0 {
		if len(buf) < challengeTargetInfoMin {
			return nil, ErrBadChallenge
		}
		tiLen := binary.LittleEndian.Uint16(buf[challengeTargetInfoOffset:])
		tiOff := binary.LittleEndian.Uint32(buf[challengeTargetInfoOffset+4:])
		if tiLen > 0 {
			if int64(tiOff)+int64(tiLen) > int64(len(buf)) {
				return nil, ErrBadChallenge
			}
			ch.TargetInfo = make([]byte, tiLen)
			copy(ch.TargetInfo, buf[tiOff:uint32(tiOff)+uint32(tiLen)])
		}
	}
	return ch, nil
}

// AuthenticateMessage builds the Type 3 message answering the challenge,
// with the responses selected by the identity's hash policy. Strings are
// encoded UTF-16LE when the server negotiated Unicode, OEM otherwise.
func AuthenticateMessage(id *Identity, ch *ChallengeMessage) ([]byte, error) {
	lm, nt, err := id.responses(ch, Filetime(time.Now()), clientNonce())
	if err != nil {
		return nil, err
	}

	encode := func(s string) []byte { return []byte(s) }
	if ch.Flags&FlagUnicode != 0 {
		encode = EncodeUTF16LE
	}
	dom := encode(id.Domain)
	user := encode(id.User)
	ws := encode(id.Workstation)

	msg := make([]byte, authBaseSize, authBaseSize+len(lm)+len(nt)+len(dom)+len(user)+len(ws))
	copy(msg, Signature)
	binary.LittleEndian.PutUint32(msg[8:], uint32(Authenticate))

	offset := authBaseSize
	appendBuf := func(fieldOffset int, payload []byte) {
		putSecBuf(msg[fieldOffset:], len(payload), offset)
		msg = append(msg, payload...)
		offset += len(payload)
	}

	appendBuf(12, lm)   // LmChallengeResponse
	appendBuf(20, nt)   // NtChallengeResponse
	appendBuf(28, dom)  // DomainName
	appendBuf(36, user) // UserName
	appendBuf(44, ws)   // Workstation
	appendBuf(52, nil)  // EncryptedRandomSessionKey (not used)

	binary.LittleEndian.PutUint32(msg[60:], uint32(ch.Flags))
	return msg, nil
}

// responses computes the LM and NT response buffers for the configured
// policy. The timestamp and nonce are parameters so tests can pin them.
func (id *Identity) responses(ch *ChallengeMessage, timestamp uint64, nonce []byte) (lm, nt []byte, err error) {
	switch {
	case id.HashNTLMv2:
		if len(id.PassNTLMv2) < 16 {
			return nil, nil, ErrNoCredentials
		}
		lm, nt = ntlmv2Response(id.PassNTLMv2, ch.Nonce[:], nonce, ch.TargetInfo, timestamp)
	case id.HashNT == 2:
		if len(id.PassNT) < 16 {
			return nil, nil, ErrNoCredentials
		}
		lm, nt = ntlm2SessionResponse(id.PassNT, ch.Nonce[:], nonce)
	default:
		if id.HashNT == 1 {
			if len(id.PassNT) < 16 {
				return nil, nil, ErrNoCredentials
			}
			nt = legacyResponse(id.PassNT, ch.Nonce[:])
		}
		if id.HashLM {
			if len(id.PassLM) < 16 {
				return nil, nil, ErrNoCredentials
			}
			lm = legacyResponse(id.PassLM, ch.Nonce[:])
		}
		if lm == nil && nt == nil {
			return nil, nil, ErrNoCredentials
		}
	}
	return lm, nt, nil
}

// putSecBuf writes an (len, maxlen, offset) security buffer descriptor.
func putSecBuf(dst []byte, length, offset int) {
	binary.LittleEndian.PutUint16(dst[0:], uint16(length))
	binary.LittleEndian.PutUint16(dst[2:], uint16(length))
	binary.LittleEndian.PutUint32(dst[4:], uint32(offset))
}

// Error is a sentinel NTLM protocol error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrBadChallenge reports a malformed Type 2 message.
	ErrBadChallenge Error = "ntlm: bad challenge message"

	// ErrNoCredentials reports that the identity holds no hash usable
	// under its policy.
	ErrNoCredentials Error = "ntlm: no usable credentials"
)
