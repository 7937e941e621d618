package decoder

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// ErrDecryptFailure covers both MAC mismatch and AES-layer rejection.
// Callers are expected to try the next key, so this is deliberately a
// single sentinel rather than one per sub-cause.
var ErrDecryptFailure = errors.New("decoder: decrypt failed")

// DecryptedGroupText is the result of a successful channel decrypt.
type DecryptedGroupText struct {
	Timestamp   uint32
	Flags       uint8
	Sender      string // empty when no "sender: " prefix was present
	Message     string
	ChannelHash string
}

// DecryptedDirectMessage is the result of a successful DM decrypt.
type DecryptedDirectMessage struct {
	Timestamp uint32
	Flags     uint8
	Message   string
	DestHash  string // hex of the first byte of the destination pubkey
	SrcHash   string // hex of the first byte of the sender pubkey
}

// ParsedAdvertisement is the result of a successful advertisement parse.
type ParsedAdvertisement struct {
	PublicKey  string // 64-char hex
	Timestamp  uint32
	Name       string // empty when absent
	HasLoc     bool
	Lat        float64
	Lon        float64
	DeviceRole uint8 // 1 chat, 2 repeater, 3 room, 4 sensor
}

// CalculateChannelHash returns the first byte of SHA-256(channelKey) as two
// hex digits, used to short-circuit decryption attempts against channels
// that can't possibly match.
func CalculateChannelHash(channelKey []byte) string {
	sum := sha256.Sum256(channelKey)
	return hexByte(sum[0])
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0F]})
}

// aesECBDecrypt decrypts ciphertext in-place-equivalent ECB mode. Go's
// standard library deliberately omits an ECB cipher.BlockMode (it is not a
// safe general-purpose mode), so this loops over blocks by hand; no example
// in the retrieved pack implements ECB either, making stdlib the only
// option for this specific primitive.
func aesECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailure
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += aes.BlockSize {
		block.Decrypt(out[off:off+aes.BlockSize], ciphertext[off:off+aes.BlockSize])
	}
	return out, nil
}

// decodePlaintext splits the common "timestamp(4 LE) || flags(1) || utf8
// text, NUL-padded" layout shared by group-text and DM plaintexts.
func decodePlaintext(decrypted []byte) (timestamp uint32, flags uint8, text string, ok bool) {
	if len(decrypted) < 5 {
		return 0, 0, "", false
	}
	timestamp = uint32(decrypted[0]) | uint32(decrypted[1])<<8 | uint32(decrypted[2])<<16 | uint32(decrypted[3])<<24
	flags = decrypted[4]

	body := decrypted[5:]
	if idx := indexByte(body, 0); idx >= 0 {
		body = body[:idx]
	}
	if !validUTF8(body) {
		return 0, 0, "", false
	}
	return timestamp, flags, string(body), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func validUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "�") == string(b)
}

// DecryptGroupText decrypts a GroupText payload laid out as
// channel_hash(1) || mac(2) || ciphertext(n*16) using channelKey.
func DecryptGroupText(payload, channelKey []byte) (*DecryptedGroupText, error) {
	if len(payload) < 3 {
		return nil, ErrDecryptFailure
	}
	channelHash := hexByte(payload[0])
	mac := payload[1:3]
	ciphertext := payload[3:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailure
	}

	channelSecret := make([]byte, 0, 32)
	channelSecret = append(channelSecret, channelKey...)
	channelSecret = append(channelSecret, make([]byte, 16)...)

	h := hmac.New(sha256.New, channelSecret)
	h.Write(ciphertext)
	calculated := h.Sum(nil)
	if !hmac.Equal(calculated[:2], mac) {
		return nil, ErrDecryptFailure
	}

	decrypted, err := aesECBDecrypt(channelKey, ciphertext)
	if err != nil {
		return nil, ErrDecryptFailure
	}

	timestamp, flags, text, ok := decodePlaintext(decrypted)
	if !ok {
		return nil, ErrDecryptFailure
	}

	sender, message := splitSender(text)

	return &DecryptedGroupText{
		Timestamp:   timestamp,
		Flags:       flags,
		Sender:      sender,
		Message:     message,
		ChannelHash: channelHash,
	}, nil
}

// splitSender implements the "sender: message" convention: a colon-space
// within the first 50 characters, with a sender containing none of
// ":[]\x00", is treated as a sender prefix.
func splitSender(text string) (sender, message string) {
	idx := strings.Index(text, ": ")
	if idx <= 0 || idx >= 50 {
		return "", text
	}
	candidate := text[:idx]
	if strings.ContainsAny(candidate, ":[]\x00") {
		return "", text
	}
	return candidate, text[idx+2:]
}

// TryDecryptPacketWithChannelKey parses raw as a packet and, if it is a
// GroupText addressed to channelKey's hash, decrypts it. Returns
// ErrDecryptFailure (wrapped, or ParsePacket's ErrMalformed) on any
// rejection, never a partial result.
func TryDecryptPacketWithChannelKey(raw, channelKey []byte) (*DecryptedGroupText, error) {
	info, err := ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if info.PayloadType != PayloadGroupText {
		return nil, ErrDecryptFailure
	}
	if len(info.Payload) < 1 {
		return nil, ErrDecryptFailure
	}
	if hexByte(info.Payload[0]) != CalculateChannelHash(channelKey) {
		return nil, ErrDecryptFailure
	}
	return DecryptGroupText(info.Payload, channelKey)
}

// DecryptDirectMessage decrypts a TEXT_MESSAGE payload laid out as
// dest_hash(1) || src_hash(1) || mac(2) || ciphertext(n*16) using an
// already-derived 32-byte ECDH shared secret. The first 16 bytes of the
// shared secret drive AES-128-ECB; the full 32 bytes drive the HMAC, the
// same "secret-as-channel_secret" construction the wire format uses for
// channels.
func DecryptDirectMessage(payload, sharedSecret []byte) (*DecryptedDirectMessage, error) {
	if len(payload) < 4 {
		return nil, ErrDecryptFailure
	}
	destHash := hexByte(payload[0])
	srcHash := hexByte(payload[1])
	mac := payload[2:4]
	ciphertext := payload[4:]

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptFailure
	}

	h := hmac.New(sha256.New, sharedSecret)
	h.Write(ciphertext)
	calculated := h.Sum(nil)
	if !hmac.Equal(calculated[:2], mac) {
		return nil, ErrDecryptFailure
	}

	decrypted, err := aesECBDecrypt(sharedSecret[:16], ciphertext)
	if err != nil {
		return nil, ErrDecryptFailure
	}

	timestamp, flags, text, ok := decodePlaintext(decrypted)
	if !ok {
		return nil, ErrDecryptFailure
	}

	return &DecryptedDirectMessage{
		Timestamp: timestamp,
		Flags:     flags,
		Message:   text,
		DestHash:  destHash,
		SrcHash:   srcHash,
	}, nil
}

// TryDecryptDM parses raw as a packet, confirms it's a TEXT_MESSAGE, derives
// the shared secret between ourPrivate and peerPublic, and decrypts.
// ourPublicKey, if supplied, is unused here directly (direction detection
// is the processor's job) but is accepted to match the reference shape and
// to allow future direction-aware short-circuiting.
func TryDecryptDM(raw, ourPrivate, peerPublic, ourPublicKey []byte) (*DecryptedDirectMessage, error) {
	info, err := ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if info.PayloadType != PayloadTextMessage {
		return nil, ErrDecryptFailure
	}
	shared, err := DeriveSharedSecret(ourPrivate, peerPublic)
	if err != nil {
		return nil, err
	}
	return DecryptDirectMessage(info.Payload, shared)
}

// curve25519P is 2^255 - 19, the field modulus curve25519/Ed25519 share.
var curve25519P = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// clampScalar applies the standard X25519 scalar clamp to the first 32
// bytes of in: clear the low 3 bits of byte 0, clear the top bit and set
// bit 6 of byte 31. MeshCore private keys already store the scalar in this
// clamped form, but clamping is idempotent so applying it again is safe and
// keeps this function usable on raw scalars too.
func clampScalar(in []byte) []byte {
	scalar := make([]byte, 32)
	copy(scalar, in[:32])
	scalar[0] &= 0xF8
	scalar[31] &= 0x7F
	scalar[31] |= 0x40
	return scalar
}

// edwardsYToMontgomeryU converts a compressed Ed25519 public key (32 bytes,
// little-endian y with the sign bit of x in the top bit) to the Montgomery
// u-coordinate X25519 expects. u = (1+y) / (1-y) mod p. Neither x/crypto nor
// any retrieved example exposes this conversion directly (x/crypto/curve25519
// operates only on Montgomery-form points), so it's implemented here with
// math/big, the standard library's one arbitrary-precision modular-arithmetic
// facility.
func edwardsYToMontgomeryU(pub []byte) []byte {
	yBytes := make([]byte, 32)
	copy(yBytes, pub[:32])
	yBytes[31] &= 0x7F // clear the sign-of-x bit

	y := new(big.Int).SetBytes(reverse(yBytes))

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, curve25519P)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, curve25519P)
	denominator.ModInverse(denominator, curve25519P)

	u := numerator.Mul(numerator, denominator)
	u.Mod(u, curve25519P)

	out := make([]byte, 32)
	ub := u.Bytes()
	for i := 0; i < len(ub) && i < 32; i++ {
		out[i] = ub[len(ub)-1-i]
	}
	return out
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// DerivePublicKey derives the 32-byte Ed25519-identity public key from a
// MeshCore private key. Only the first 32 bytes matter: they are the
// already-clamped X25519 scalar, not an Ed25519 seed. Bytes 32..63 (present
// on a full 64-byte key) are the signing prefix and are ignored here.
func DerivePublicKey(private []byte) ([]byte, error) {
	if len(private) < 32 {
		return nil, errors.New("decoder: private key material too short")
	}
	scalar := clampScalar(private)
	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// DeriveSharedSecret computes the X25519 ECDH shared secret between our
// MeshCore private key and a peer's Ed25519 public key, converting the
// peer's key to Montgomery form first.
func DeriveSharedSecret(ourPrivate, peerPublic []byte) ([]byte, error) {
	if len(ourPrivate) < 32 {
		return nil, errors.New("decoder: private key material too short")
	}
	if len(peerPublic) != 32 {
		return nil, errors.New("decoder: peer public key must be 32 bytes")
	}
	scalar := clampScalar(ourPrivate)
	peerU := edwardsYToMontgomeryU(peerPublic)
	return curve25519.X25519(scalar, peerU)
}

// ParseAdvertisement parses an ADVERT payload. Requires at least 101 bytes:
// pubkey(32) || timestamp(4 LE) || signature(64, unverified) || flags(1),
// followed by an optional variable section.
func ParseAdvertisement(payload []byte) (*ParsedAdvertisement, error) {
	if len(payload) < 101 {
		return nil, ErrMalformed
	}

	pub := payload[0:32]
	timestamp := uint32(payload[32]) | uint32(payload[33])<<8 | uint32(payload[34])<<16 | uint32(payload[35])<<24
	flags := payload[100]

	deviceRole := flags & 0x0F
	hasLocation := flags&0x10 != 0
	hasFeature1 := flags&0x20 != 0
	hasFeature2 := flags&0x40 != 0
	hasName := flags&0x80 != 0

	result := &ParsedAdvertisement{
		PublicKey:  hexEncode(pub),
		Timestamp:  timestamp,
		DeviceRole: deviceRole,
	}

	offset := 101
	if hasLocation {
		if len(payload) < offset+8 {
			return result, nil
		}
		lat := int32(uint32(payload[offset]) | uint32(payload[offset+1])<<8 | uint32(payload[offset+2])<<16 | uint32(payload[offset+3])<<24)
		lon := int32(uint32(payload[offset+4]) | uint32(payload[offset+5])<<8 | uint32(payload[offset+6])<<16 | uint32(payload[offset+7])<<24)
		result.HasLoc = true
		result.Lat = float64(lat) / 1_000_000
		result.Lon = float64(lon) / 1_000_000
		offset += 8
	}
	if hasFeature1 {
		offset += 2
	}
	if hasFeature2 {
		offset += 2
	}

	if hasName && len(payload) > offset {
		name := sanitizeName(payload[offset:])
		result.Name = name
	}

	return result, nil
}

func sanitizeName(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "")
	if idx := strings.IndexByte(s, 0); idx >= 0 {
		s = s[:idx]
	}
	var b strings.Builder
	for _, r := range s {
		if r >= ' ' || r == '\t' {
			b.WriteRune(r)
		}
	}
	s = strings.TrimSpace(b.String())
	if s == "" || !containsAlnum(s) {
		return ""
	}
	return s
}

func containsAlnum(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0F]
	}
	return string(out)
}

// TryParseAdvertisement parses raw as a packet and, if it is an ADVERT,
// parses its payload.
func TryParseAdvertisement(raw []byte) (*ParsedAdvertisement, error) {
	info, err := ParsePacket(raw)
	if err != nil {
		return nil, err
	}
	if info.PayloadType != PayloadAdvert {
		return nil, ErrDecryptFailure
	}
	return ParseAdvertisement(info.Payload)
}
