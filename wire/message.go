// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// Protocol version numbers as they appear in message headers.
const (
	Version2 uint16 = 2
	Version3 uint16 = 3
	Version4 uint16 = 4
)

// Message type bytes. The data message type is shared between version 3 and
// version 4; the header's version field disambiguates.
const (
	TypeDHCommit  byte = 0x02
	TypeData      byte = 0x03
	TypeDHKey     byte = 0x0a
	TypeRevealSig byte = 0x11
	TypeSig       byte = 0x12
	TypeIdentity  byte = 0x35
	TypeAuthR     byte = 0x36
	TypeAuthI     byte = 0x37
)

// Armor delimits an encoded message on the transport.
const (
	// EncodedPrefix starts every base64 armored message.
	EncodedPrefix = "?OTR:"

	// EncodedSuffix terminates the armor.
	EncodedSuffix = "."
)

// Header precedes every encoded message. Version 2 carries no instance
// tags; their fields are zero then.
type Header struct {
	Version     uint16
	Type        byte
	SenderTag   uint32
	ReceiverTag uint32
}

func (h Header) appendTo(b []byte) []byte {
	b = AppendShort(b, h.Version)
	b = append(b, h.Type)
	if h.Version > Version2 {
		b = AppendInt(b, h.SenderTag)
		b = AppendInt(b, h.ReceiverTag)
	}
	return b
}

// Bytes returns the encoded header alone, for MAC and authenticator
// inputs that cover it.
func (h Header) Bytes() []byte {
	return h.appendTo(nil)
}

// ParseHeader splits an encoded message's raw bytes into its header and the
// type-specific body.
func ParseHeader(b []byte) (h Header, body []byte, err error) {
	h.Version, b, err = ReadShort(b)
	if err != nil {
		return
	}
	h.Type, b, err = ReadByte(b)
	if err != nil {
		return
	}
	if h.Version > Version2 {
		if h.SenderTag, b, err = ReadInt(b); err != nil {
			return
		}
		if h.ReceiverTag, b, err = ReadInt(b); err != nil {
			return
		}
	}
	body = b
	return
}

// Body is one of the typed message payloads below.
type Body interface {
	// MsgType returns the message type byte for the header.
	MsgType() byte

	appendTo(b []byte) []byte
	parse(b []byte) error
}

// DHCommit is the first AKE flight: the committed, still encrypted g^x and
// its hash.
type DHCommit struct {
	EncryptedGx []byte
	HashedGx    []byte
}

func (*DHCommit) MsgType() byte { return TypeDHCommit }

func (m *DHCommit) appendTo(b []byte) []byte {
	b = AppendData(b, m.EncryptedGx)
	return AppendData(b, m.HashedGx)
}

func (m *DHCommit) parse(b []byte) (err error) {
	if m.EncryptedGx, b, err = ReadData(b); err != nil {
		return
	}
	m.HashedGx, _, err = ReadData(b)
	return
}

// DHKey is the second AKE flight, the responder's plain g^y.
type DHKey struct {
	Gy *big.Int
}

func (*DHKey) MsgType() byte { return TypeDHKey }

func (m *DHKey) appendTo(b []byte) []byte { return AppendMPI(b, m.Gy) }

func (m *DHKey) parse(b []byte) (err error) {
	m.Gy, _, err = ReadMPI(b)
	if err == nil && m.Gy == nil {
		err = fmt.Errorf("otr: DH-Key without public key")
	}
	return
}

// RevealSig is the third AKE flight: the revealed commitment key r plus the
// encrypted, MAC'd signature block.
type RevealSig struct {
	RevealedKey  []byte
	EncryptedSig []byte
	MAC          []byte
}

func (*RevealSig) MsgType() byte { return TypeRevealSig }

func (m *RevealSig) appendTo(b []byte) []byte {
	b = AppendData(b, m.RevealedKey)
	b = AppendData(b, m.EncryptedSig)
	return append(b, m.MAC...)
}

func (m *RevealSig) parse(b []byte) (err error) {
	if m.RevealedKey, b, err = ReadData(b); err != nil {
		return
	}
	if m.EncryptedSig, b, err = ReadData(b); err != nil {
		return
	}
	m.MAC, _, err = ReadFixed(b, MACSize)
	return
}

// Sig is the fourth AKE flight, the responder's counterpart of RevealSig
// under the primed keys.
type Sig struct {
	EncryptedSig []byte
	MAC          []byte
}

func (*Sig) MsgType() byte { return TypeSig }

func (m *Sig) appendTo(b []byte) []byte {
	b = AppendData(b, m.EncryptedSig)
	return append(b, m.MAC...)
}

func (m *Sig) parse(b []byte) (err error) {
	if m.EncryptedSig, b, err = ReadData(b); err != nil {
		return
	}
	m.MAC, _, err = ReadFixed(b, MACSize)
	return
}

// Data flag bits.
const (
	// FlagIgnoreUnreadable marks a message the receiver should drop
	// silently when it cannot be read, instead of notifying the user.
	FlagIgnoreUnreadable byte = 0x01
)

// Data is a version 3 data message.
type Data struct {
	Flags          byte
	SenderKeyID    uint32
	RecipientKeyID uint32
	NextDH         *big.Int
	Ctr            [CtrSize]byte
	Encrypted      []byte
	MAC            []byte
	OldMACKeys     []byte
}

func (*Data) MsgType() byte { return TypeData }

func (m *Data) appendTo(b []byte) []byte {
	b = append(b, m.Flags)
	b = AppendInt(b, m.SenderKeyID)
	b = AppendInt(b, m.RecipientKeyID)
	b = AppendMPI(b, m.NextDH)
	b = append(b, m.Ctr[:]...)
	b = AppendData(b, m.Encrypted)
	b = append(b, m.MAC...)
	return AppendData(b, m.OldMACKeys)
}

func (m *Data) parse(b []byte) (err error) {
	if m.Flags, b, err = ReadByte(b); err != nil {
		return
	}
	if m.SenderKeyID, b, err = ReadInt(b); err != nil {
		return
	}
	if m.RecipientKeyID, b, err = ReadInt(b); err != nil {
		return
	}
	if m.NextDH, b, err = ReadMPI(b); err != nil {
		return
	}
	var ctr []byte
	if ctr, b, err = ReadFixed(b, CtrSize); err != nil {
		return
	}
	copy(m.Ctr[:], ctr)
	if m.Encrypted, b, err = ReadData(b); err != nil {
		return
	}
	if m.MAC, b, err = ReadFixed(b, MACSize); err != nil {
		return
	}
	m.OldMACKeys, _, err = ReadData(b)
	return
}

// Sigma is a ring signature as carried by the Auth-R and Auth-I flights:
// three (challenge, response) scalar pairs whose challenges sum to the
// transcript hash.
type Sigma struct {
	C1, R1 []byte
	C2, R2 []byte
	C3, R3 []byte
}

func (s *Sigma) appendTo(b []byte) []byte {
	for _, v := range [][]byte{s.C1, s.R1, s.C2, s.R2, s.C3, s.R3} {
		b = append(b, v...)
	}
	return b
}

func (s *Sigma) parse(b []byte) (rest []byte, err error) {
	for _, v := range []*[]byte{&s.C1, &s.R1, &s.C2, &s.R2, &s.C3, &s.R3} {
		if *v, b, err = ReadFixed(b, ScalarSize); err != nil {
			return
		}
	}
	return b, nil
}

// Identity is the first DAKE flight: the responder's client profile, its
// ephemeral ECDH and DH keys, and the public keys for the first ratchet.
type Identity struct {
	Profile   []byte
	Y         []byte
	B         *big.Int
	FirstECDH []byte
	FirstDH   *big.Int
}

func (*Identity) MsgType() byte { return TypeIdentity }

func (m *Identity) appendTo(b []byte) []byte {
	b = AppendData(b, m.Profile)
	b = append(b, m.Y...)
	b = AppendMPI(b, m.B)
	b = append(b, m.FirstECDH...)
	return AppendMPI(b, m.FirstDH)
}

func (m *Identity) parse(b []byte) (err error) {
	if m.Profile, b, err = ReadData(b); err != nil {
		return
	}
	if m.Y, b, err = ReadFixed(b, PointSize); err != nil {
		return
	}
	if m.B, b, err = ReadMPI(b); err != nil {
		return
	}
	if m.FirstECDH, b, err = ReadFixed(b, PointSize); err != nil {
		return
	}
	m.FirstDH, _, err = ReadMPI(b)
	return
}

// AuthR is the second DAKE flight: the initiator's profile and ephemeral
// keys plus the ring signature over the transcript.
type AuthR struct {
	Profile   []byte
	X         []byte
	A         *big.Int
	FirstECDH []byte
	FirstDH   *big.Int
	Sigma     Sigma
}

func (*AuthR) MsgType() byte { return TypeAuthR }

func (m *AuthR) appendTo(b []byte) []byte {
	b = AppendData(b, m.Profile)
	b = append(b, m.X...)
	b = AppendMPI(b, m.A)
	b = append(b, m.FirstECDH...)
	b = AppendMPI(b, m.FirstDH)
	return m.Sigma.appendTo(b)
}

func (m *AuthR) parse(b []byte) (err error) {
	if m.Profile, b, err = ReadData(b); err != nil {
		return
	}
	if m.X, b, err = ReadFixed(b, PointSize); err != nil {
		return
	}
	if m.A, b, err = ReadMPI(b); err != nil {
		return
	}
	if m.FirstECDH, b, err = ReadFixed(b, PointSize); err != nil {
		return
	}
	if m.FirstDH, b, err = ReadMPI(b); err != nil {
		return
	}
	_, err = m.Sigma.parse(b)
	return
}

// AuthI is the third DAKE flight, the responder's ring signature over the
// symmetric transcript.
type AuthI struct {
	Sigma Sigma
}

func (*AuthI) MsgType() byte { return TypeAuthI }

func (m *AuthI) appendTo(b []byte) []byte { return m.Sigma.appendTo(b) }

func (m *AuthI) parse(b []byte) (err error) {
	_, err = m.Sigma.parse(b)
	return
}

// Data4 is a version 4 data message, one step of the Double Ratchet.
// DHPub is only present on ratchets carrying a fresh DH contribution and
// nil otherwise.
type Data4 struct {
	Flags        byte
	PN           uint32
	RatchetID    uint32
	MessageID    uint32
	ECDHPub      []byte
	DHPub        *big.Int
	Encrypted    []byte
	Auth         []byte
	RevealedMACs []byte
}

func (*Data4) MsgType() byte { return TypeData }

func (m *Data4) appendTo(b []byte) []byte {
	b = append(b, m.Flags)
	b = AppendInt(b, m.PN)
	b = AppendInt(b, m.RatchetID)
	b = AppendInt(b, m.MessageID)
	b = append(b, m.ECDHPub...)
	b = AppendMPI(b, m.DHPub)
	b = AppendData(b, m.Encrypted)
	b = append(b, m.Auth...)
	return AppendData(b, m.RevealedMACs)
}

func (m *Data4) parse(b []byte) (err error) {
	if m.Flags, b, err = ReadByte(b); err != nil {
		return
	}
	if m.PN, b, err = ReadInt(b); err != nil {
		return
	}
	if m.RatchetID, b, err = ReadInt(b); err != nil {
		return
	}
	if m.MessageID, b, err = ReadInt(b); err != nil {
		return
	}
	if m.ECDHPub, b, err = ReadFixed(b, PointSize); err != nil {
		return
	}
	if m.DHPub, b, err = ReadMPI(b); err != nil {
		return
	}
	if m.Encrypted, b, err = ReadData(b); err != nil {
		return
	}
	if m.Auth, b, err = ReadFixed(b, AuthSize); err != nil {
		return
	}
	m.RevealedMACs, _, err = ReadData(b)
	return
}

// Encode serializes a header and body and wraps them into the base64 armor.
func Encode(h Header, body Body) string {
	h.Type = body.MsgType()

	raw := body.appendTo(h.appendTo(nil))

	b := new(strings.Builder)
	b.WriteString(EncodedPrefix)
	b.WriteString(base64.StdEncoding.EncodeToString(raw))
	b.WriteString(EncodedSuffix)
	return b.String()
}

// EncodeRaw serializes a header and body without armoring, for transcript
// hashing and the MAC inputs which cover the plain bytes.
func EncodeRaw(h Header, body Body) []byte {
	h.Type = body.MsgType()
	return body.appendTo(h.appendTo(nil))
}

// IsEncoded reports whether the transport string is an armored message.
// Fragments carry their own prefix and are not encoded messages themselves.
func IsEncoded(s string) bool {
	return strings.HasPrefix(s, EncodedPrefix)
}

// Decode strips the armor and parses header and typed body.
func Decode(s string) (h Header, body Body, err error) {
	if !IsEncoded(s) || !strings.HasSuffix(s, EncodedSuffix) {
		err = fmt.Errorf("otr: missing encoded message armor")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(s[len(EncodedPrefix) : len(s)-len(EncodedSuffix)])
	if err != nil {
		return
	}

	h, rest, err := ParseHeader(raw)
	if err != nil {
		return
	}

	switch {
	case h.Type == TypeDHCommit:
		body = new(DHCommit)
	case h.Type == TypeDHKey:
		body = new(DHKey)
	case h.Type == TypeRevealSig:
		body = new(RevealSig)
	case h.Type == TypeSig:
		body = new(Sig)
	case h.Type == TypeIdentity:
		body = new(Identity)
	case h.Type == TypeAuthR:
		body = new(AuthR)
	case h.Type == TypeAuthI:
		body = new(AuthI)
	case h.Type == TypeData && h.Version == Version4:
		body = new(Data4)
	case h.Type == TypeData:
		body = new(Data)
	default:
		err = fmt.Errorf("otr: unknown message type %#x", h.Type)
		return
	}

	err = body.parse(rest)
	return
}
