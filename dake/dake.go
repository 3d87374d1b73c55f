// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package dake implements the version 4 interactive deniable key exchange:
// Identity, Auth-R, Auth-I. Authentication is a ring signature over the
// transcript whose ring contains the signer's long-term key, the verifier's
// published forging key, and the verifier's ephemeral key, so nothing in a
// transcript proves which ring member produced it.
//
// As in the version 3 exchange, states are values carrying their entry
// instant for master-to-slave reconciliation.
package dake

import (
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/xolotl/otr/dh"
	"github.com/xolotl/otr/doubleratchet"
	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/profile"
	"github.com/xolotl/otr/wire"
)

// Domain separation bytes of the exchange.
const (
	domainAuthR  byte = 0x30
	domainAuthI  byte = 0x31
	domainPhi    byte = 0x32
	domainShared byte = 0x33
	domainSSID   byte = 0x34
	domainRoot   byte = 0x35
)

// ErrIgnore marks a message dropped without touching the exchange.
var ErrIgnore = errors.New("dake: message ignored")

// Context carries the per-conversation inputs.
type Context struct {
	Rand  io.Reader
	Clock func() time.Time

	OurTag   uint32
	TheirTag uint32

	OurAccount   string
	TheirAccount string

	OurProfile *profile.Profile
	LongTerm   *ed448.KeyPair
}

func (c *Context) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Result is everything the messaging state needs to enter ENCRYPTED.
type Result struct {
	SSID         [8]byte
	TheirProfile *profile.Profile
	Ratchet      doubleratchet.Config
}

// State is one of the exchange's three states.
type State interface {
	// Timestamp returns the instant the state was entered.
	Timestamp() time.Time
}

// StateInitial is the quiescent state.
type StateInitial struct {
	At time.Time
}

// StateAwaitingAuthR follows sending an Identity message.
type StateAwaitingAuthR struct {
	At time.Time

	Y         *ed448.KeyPair
	B         dh.KeyPair
	FirstECDH *ed448.KeyPair
	FirstDH   dh.KeyPair
	Identity  wire.Identity
}

// StateAwaitingAuthI follows answering an Identity with an Auth-R.
type StateAwaitingAuthI struct {
	At time.Time

	X         *ed448.KeyPair
	A         dh.KeyPair
	FirstECDH *ed448.KeyPair
	FirstDH   dh.KeyPair

	TheirProfile   *profile.Profile
	TheirY         *ed448.Point
	TheirB         *big.Int
	TheirFirstECDH *ed448.Point
	TheirFirstDH   *big.Int

	TranscriptI []byte
}

func (s StateInitial) Timestamp() time.Time       { return s.At }
func (s StateAwaitingAuthR) Timestamp() time.Time { return s.At }
func (s StateAwaitingAuthI) Timestamp() time.Time { return s.At }

// Start opens the exchange as the responder, producing the Identity
// message. In this protocol the party receiving a query or whitespace tag
// is the one that opens.
func Start(ctx *Context) (msg *wire.Identity, next State, err error) {
	st := StateAwaitingAuthR{At: ctx.now()}

	if st.Y, err = ed448.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}
	if st.B, err = dh.Modp3072.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}
	if st.FirstECDH, err = ed448.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}
	if st.FirstDH, err = dh.Modp3072.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}

	st.Identity = wire.Identity{
		Profile:   ctx.OurProfile.Encode(),
		Y:         st.Y.Pub.Bytes(),
		B:         st.B.Pub,
		FirstECDH: st.FirstECDH.Pub.Bytes(),
		FirstDH:   st.FirstDH.Pub,
	}
	return &st.Identity, st, nil
}

// phi binds the session metadata both parties observe: instance tags,
// account identifiers and the first-ratchet keys. Tags and accounts are
// ordered initiator first, the first-ratchet keys responder first.
func phi(initiatorTag, responderTag uint32, initiatorAccount, responderAccount string,
	responderFirstECDH []byte, responderFirstDH *big.Int,
	initiatorFirstECDH []byte, initiatorFirstDH *big.Int) []byte {

	b := wire.AppendInt(nil, initiatorTag)
	b = wire.AppendInt(b, responderTag)
	b = wire.AppendData(b, []byte(initiatorAccount))
	b = wire.AppendData(b, []byte(responderAccount))
	b = append(b, responderFirstECDH...)
	b = wire.AppendMPI(b, responderFirstDH)
	b = append(b, initiatorFirstECDH...)
	b = wire.AppendMPI(b, initiatorFirstDH)
	return ed448.Shake(domainPhi, 64, b)
}

// transcript assembles the signed transcript of one direction of the
// exchange.
func transcript(domain byte, profileA, profileB []byte, eph1, eph2 []byte, dh1, dh2 *big.Int, phiHash []byte) []byte {
	b := wire.AppendData(nil, profileA)
	b = wire.AppendData(b, profileB)
	b = append(b, eph1...)
	b = append(b, eph2...)
	b = wire.AppendMPI(b, dh1)
	b = wire.AppendMPI(b, dh2)
	b = append(b, phiHash...)
	return ed448.Shake(domain, 64, b)
}

// sharedSecrets turns the two Diffie-Hellman results into the session
// secret, session identifier and initial root key.
func sharedSecrets(ecdhShared []byte, dhShared *big.Int) (ssid [8]byte, root []byte) {
	k := ed448.Shake(domainShared, 64, ecdhShared, wire.MPIBytes(dhShared))
	copy(ssid[:], ed448.Shake(domainSSID, 8, k))
	root = ed448.Shake(domainRoot, doubleratchet.RootKeySize, k)
	return
}

// validateProfile decodes and validates a received profile and checks that
// it belongs to the claimed sender.
func validateProfile(encoded []byte, senderTag uint32, now time.Time) (*profile.Profile, error) {
	p, err := profile.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(now); err != nil {
		return nil, err
	}
	if p.InstanceTag != senderTag {
		return nil, errors.New("dake: profile instance tag does not match sender")
	}
	if !p.SupportsVersion(4) {
		return nil, errors.New("dake: profile does not offer version 4")
	}
	return p, nil
}

// ProcessIdentity answers an Identity message with an Auth-R, entering the
// exchange as the initiator. An Identity arriving while we await an Auth-I
// restarts the exchange, which covers the peer restarting a conversation.
func ProcessIdentity(ctx *Context, m *wire.Identity) (reply *wire.AuthR, next State, err error) {
	theirProfile, err := validateProfile(m.Profile, ctx.TheirTag, ctx.now())
	if err != nil {
		return nil, nil, err
	}

	theirY, err := ed448.PointFromBytes(m.Y)
	if err != nil {
		return nil, nil, err
	}
	theirFirstECDH, err := ed448.PointFromBytes(m.FirstECDH)
	if err != nil {
		return nil, nil, err
	}
	if !dh.Modp3072.IsGroupElement(m.B) || !dh.Modp3072.IsGroupElement(m.FirstDH) {
		return nil, nil, errors.New("dake: DH value outside the group")
	}

	st := StateAwaitingAuthI{
		At:             ctx.now(),
		TheirProfile:   theirProfile,
		TheirY:         theirY,
		TheirB:         m.B,
		TheirFirstECDH: theirFirstECDH,
		TheirFirstDH:   m.FirstDH,
	}
	if st.X, err = ed448.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}
	if st.A, err = dh.Modp3072.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}
	if st.FirstECDH, err = ed448.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}
	if st.FirstDH, err = dh.Modp3072.GenerateKeyPair(ctx.Rand); err != nil {
		return nil, nil, err
	}

	ourProfile := ctx.OurProfile.Encode()
	phiHash := phi(ctx.OurTag, ctx.TheirTag, ctx.OurAccount, ctx.TheirAccount,
		m.FirstECDH, m.FirstDH, st.FirstECDH.Pub.Bytes(), st.FirstDH.Pub)

	tR := transcript(domainAuthR, m.Profile, ourProfile,
		m.Y, st.X.Pub.Bytes(), m.B, st.A.Pub, phiHash)

	// We sign inside the ring {our long-term key, their forging key,
	// their ephemeral Y}.
	sigma, err := ed448.RingSign(ctx.Rand, ctx.LongTerm.Secret(), 0,
		[3]*ed448.Point{ctx.LongTerm.Pub, theirProfile.Forging, theirY}, tR)
	if err != nil {
		return nil, nil, err
	}

	st.TranscriptI = transcript(domainAuthI, ourProfile, m.Profile,
		st.X.Pub.Bytes(), m.Y, st.A.Pub, m.B, phiHash)

	reply = &wire.AuthR{
		Profile:   ourProfile,
		X:         st.X.Pub.Bytes(),
		A:         st.A.Pub,
		FirstECDH: st.FirstECDH.Pub.Bytes(),
		FirstDH:   st.FirstDH.Pub,
		Sigma:     sigmaToWire(sigma),
	}
	return reply, st, nil
}

// ProcessAuthR verifies the initiator's ring signature and completes the
// exchange for the responder, answering with an Auth-I.
func ProcessAuthR(ctx *Context, cur State, m *wire.AuthR) (reply *wire.AuthI, res *Result, err error) {
	st, ok := cur.(StateAwaitingAuthR)
	if !ok {
		return nil, nil, ErrIgnore
	}

	theirProfile, err := validateProfile(m.Profile, ctx.TheirTag, ctx.now())
	if err != nil {
		return nil, nil, err
	}
	theirX, err := ed448.PointFromBytes(m.X)
	if err != nil {
		return nil, nil, err
	}
	theirFirstECDH, err := ed448.PointFromBytes(m.FirstECDH)
	if err != nil {
		return nil, nil, err
	}
	if !dh.Modp3072.IsGroupElement(m.A) || !dh.Modp3072.IsGroupElement(m.FirstDH) {
		return nil, nil, errors.New("dake: DH value outside the group")
	}

	ourProfile := ctx.OurProfile.Encode()
	phiHash := phi(ctx.TheirTag, ctx.OurTag, ctx.TheirAccount, ctx.OurAccount,
		st.Identity.FirstECDH, st.Identity.FirstDH, m.FirstECDH, m.FirstDH)

	tR := transcript(domainAuthR, ourProfile, m.Profile,
		st.Y.Pub.Bytes(), m.X, st.B.Pub, m.A, phiHash)

	sigma := sigmaFromWire(&m.Sigma)
	if err := ed448.RingVerify(sigma, [3]*ed448.Point{theirProfile.LongTerm, ctx.OurProfile.Forging, st.Y.Pub}, tR); err != nil {
		return nil, nil, err
	}

	tI := transcript(domainAuthI, m.Profile, ourProfile,
		m.X, st.Y.Pub.Bytes(), m.A, st.B.Pub, phiHash)

	replySigma, err := ed448.RingSign(ctx.Rand, ctx.LongTerm.Secret(), 0,
		[3]*ed448.Point{ctx.LongTerm.Pub, theirProfile.Forging, theirX}, tI)
	if err != nil {
		return nil, nil, err
	}

	ssid, root := sharedSecrets(st.Y.Shared(theirX), dh.Modp3072.Shared(st.B.Priv, m.A))
	st.Y.Wipe()
	st.B.Wipe()

	res = &Result{
		SSID:         ssid,
		TheirProfile: theirProfile,
		Ratchet: doubleratchet.Config{
			Root:      root,
			OurECDH:   st.FirstECDH,
			OurDH:     st.FirstDH,
			TheirECDH: theirFirstECDH,
			TheirDH:   m.FirstDH,
		},
	}
	return &wire.AuthI{Sigma: sigmaToWire(replySigma)}, res, nil
}

// ProcessAuthI verifies the responder's ring signature and completes the
// exchange for the initiator.
func ProcessAuthI(ctx *Context, cur State, m *wire.AuthI) (res *Result, err error) {
	st, ok := cur.(StateAwaitingAuthI)
	if !ok {
		return nil, ErrIgnore
	}

	sigma := sigmaFromWire(&m.Sigma)
	ring := [3]*ed448.Point{st.TheirProfile.LongTerm, ctx.OurProfile.Forging, st.X.Pub}
	if err := ed448.RingVerify(sigma, ring, st.TranscriptI); err != nil {
		return nil, err
	}

	ssid, root := sharedSecrets(st.X.Shared(st.TheirY), dh.Modp3072.Shared(st.A.Priv, st.TheirB))
	st.X.Wipe()
	st.A.Wipe()

	return &Result{
		SSID:         ssid,
		TheirProfile: st.TheirProfile,
		Ratchet: doubleratchet.Config{
			Root:      root,
			OurECDH:   st.FirstECDH,
			OurDH:     st.FirstDH,
			TheirECDH: st.TheirFirstECDH,
			TheirDH:   st.TheirFirstDH,
		},
	}, nil
}

func sigmaToWire(s *ed448.RingSig) wire.Sigma {
	pad := func(v *big.Int) []byte {
		out := make([]byte, wire.ScalarSize)
		v.FillBytes(out)
		return out
	}
	return wire.Sigma{
		C1: pad(s.C1), R1: pad(s.R1),
		C2: pad(s.C2), R2: pad(s.R2),
		C3: pad(s.C3), R3: pad(s.R3),
	}
}

func sigmaFromWire(s *wire.Sigma) *ed448.RingSig {
	return &ed448.RingSig{
		C1: new(big.Int).SetBytes(s.C1), R1: new(big.Int).SetBytes(s.R1),
		C2: new(big.Int).SetBytes(s.C2), R2: new(big.Int).SetBytes(s.R2),
		C3: new(big.Int).SetBytes(s.C3), R3: new(big.Int).SetBytes(s.R3),
	}
}
