// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/xolotl/otr/dh"
	"github.com/xolotl/otr/tlv"
	"github.com/xolotl/otr/wire"
)

// ErrProtocol marks a record that violates the exchange: wrong state,
// malformed values, or a failed proof. The messaging state aborts on it.
var ErrProtocol = errors.New("smp: protocol violation")

var (
	modpP = dh.Modp1536.P
	modpQ = dh.Modp1536.Q
	modpG = dh.Modp1536.G
)

// ModP runs the protocol in the 1536 bit group.
type ModP struct {
	rand io.Reader

	ssid     [8]byte
	ourFpr   []byte
	theirFpr []byte

	state int

	// secret is our side's bound secret x resp. y.
	secret *big.Int

	// exponent pair: a2/a3 when initiating, b2/b3 when responding.
	e2, e3 *big.Int

	g2, g3 *big.Int

	// peer commitments and intermediate values, filled as flights arrive.
	peerG3 *big.Int
	pb, qb *big.Int
	pa, qa *big.Int
	ra     *big.Int

	// pendingFirst holds a received SMP1 until the host supplies the
	// answer.
	pendingFirst []*big.Int
	question     string
}

// NewModP prepares an idle exchange bound to the session identifier and
// both fingerprints.
func NewModP(rnd io.Reader, ssid [8]byte, ourFpr, theirFpr []byte) *ModP {
	return &ModP{rand: rnd, ssid: ssid, ourFpr: ourFpr, theirFpr: theirFpr}
}

// InProgress reports whether an exchange is underway.
func (s *ModP) InProgress() bool {
	return s.state != expect1 || s.pendingFirst != nil
}

// bindSecret derives the group secret from the user answer. The initiator
// fingerprint goes first.
func (s *ModP) bindSecret(answer []byte, weInitiated bool) *big.Int {
	first, second := s.ourFpr, s.theirFpr
	if !weInitiated {
		first, second = s.theirFpr, s.ourFpr
	}
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(first)
	h.Write(second)
	h.Write(s.ssid[:])
	h.Write(answer)
	return new(big.Int).SetBytes(h.Sum(nil))
}

func (s *ModP) randExponent() (*big.Int, error) {
	buf := make([]byte, 192)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(buf)
	return v.Mod(v, modpQ), nil
}

// modpHash is the proof challenge: SHA-256 over a version byte and the MPI
// encodings of the listed values.
func modpHash(version byte, values ...*big.Int) *big.Int {
	h := sha256.New()
	h.Write([]byte{version})
	for _, v := range values {
		h.Write(wire.MPIBytes(v))
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func exp(base, e *big.Int) *big.Int {
	return new(big.Int).Exp(base, e, modpP)
}

func mul(a, b *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Mul(a, b), modpP)
}

func inv(a *big.Int) *big.Int {
	return new(big.Int).ModInverse(a, modpP)
}

// subQ computes r - x*c mod q for proof responses.
func subQ(r, x, c *big.Int) *big.Int {
	v := new(big.Int).Mul(x, c)
	v.Sub(r, v)
	return v.Mod(v, modpQ)
}

// knowledgeProof proves knowledge of the exponent behind g^x.
func (s *ModP) knowledgeProof(version byte, x *big.Int) (c, d *big.Int, err error) {
	r, err := s.randExponent()
	if err != nil {
		return nil, nil, err
	}
	c = modpHash(version, exp(modpG, r))
	d = subQ(r, x, c)
	return
}

func verifyKnowledge(version byte, pub, c, d *big.Int) error {
	check := modpHash(version, mul(exp(modpG, d), exp(pub, c)))
	if check.Cmp(c) != 0 {
		return fmt.Errorf("%w: knowledge proof %d", ErrProtocol, version)
	}
	return nil
}

func validElement(v *big.Int) error {
	if v == nil || !dh.Modp1536.IsGroupElement(v) {
		return fmt.Errorf("%w: value outside the group", ErrProtocol)
	}
	return nil
}

func packMPIs(t uint16, values []*big.Int, prefix []byte) tlv.TLV {
	b := append([]byte(nil), prefix...)
	b = wire.AppendInt(b, uint32(len(values)))
	for _, v := range values {
		b = wire.AppendMPI(b, v)
	}
	return tlv.TLV{Type: t, Value: b}
}

func unpackMPIs(b []byte, want int) ([]*big.Int, error) {
	n, b, err := wire.ReadInt(b)
	if err != nil || int(n) != want {
		return nil, fmt.Errorf("%w: expected %d values", ErrProtocol, want)
	}
	out := make([]*big.Int, want)
	for i := range out {
		if out[i], b, err = wire.ReadMPI(b); err != nil {
			return nil, fmt.Errorf("%w: %d values promised, fewer encoded", ErrProtocol, want)
		}
		if out[i] == nil {
			out[i] = new(big.Int)
		}
	}
	return out, nil
}

// Start initiates the exchange, yielding the SMP1 (or SMP1Q) record.
func (s *ModP) Start(question string, answer []byte) (tlv.TLV, error) {
	s.reset()
	s.secret = s.bindSecret(answer, true)
	s.question = question

	var err error
	if s.e2, err = s.randExponent(); err != nil {
		return tlv.TLV{}, err
	}
	if s.e3, err = s.randExponent(); err != nil {
		return tlv.TLV{}, err
	}

	g2a := exp(modpG, s.e2)
	g3a := exp(modpG, s.e3)

	c2, d2, err := s.knowledgeProof(1, s.e2)
	if err != nil {
		return tlv.TLV{}, err
	}
	c3, d3, err := s.knowledgeProof(2, s.e3)
	if err != nil {
		return tlv.TLV{}, err
	}

	s.state = expect2

	values := []*big.Int{g2a, c2, d2, g3a, c3, d3}
	if question != "" {
		return packMPIs(tlv.TypeSMP1Q, values, append([]byte(question), 0)), nil
	}
	return packMPIs(tlv.TypeSMP1, values, nil), nil
}

// receiveFirst stores a peer's SMP1 and surfaces its question; the answer
// arrives later through Respond.
func (s *ModP) receiveFirst(t tlv.TLV) (Update, error) {
	payload := t.Value
	if t.Type == tlv.TypeSMP1Q {
		i := 0
		for ; i < len(payload); i++ {
			if payload[i] == 0 {
				break
			}
		}
		if i == len(payload) {
			return Update{}, fmt.Errorf("%w: unterminated question", ErrProtocol)
		}
		s.question = string(payload[:i])
		payload = payload[i+1:]
	}

	values, err := unpackMPIs(payload, 6)
	if err != nil {
		return Update{}, err
	}
	for _, v := range []*big.Int{values[0], values[3]} {
		if err := validElement(v); err != nil {
			return Update{}, err
		}
	}
	if err := verifyKnowledge(1, values[0], values[1], values[2]); err != nil {
		return Update{}, err
	}
	if err := verifyKnowledge(2, values[3], values[4], values[5]); err != nil {
		return Update{}, err
	}

	s.pendingFirst = values
	return Update{Status: StatusAwaitingAnswer, Question: s.question}, nil
}

// Respond continues a peer-initiated exchange once the host supplied the
// answer, yielding the SMP2 record.
func (s *ModP) Respond(answer []byte) (tlv.TLV, error) {
	if s.pendingFirst == nil {
		return tlv.TLV{}, fmt.Errorf("%w: no exchange awaiting an answer", ErrProtocol)
	}
	first := s.pendingFirst
	s.pendingFirst = nil

	s.secret = s.bindSecret(answer, false)

	g2a, g3a := first[0], first[3]

	var err error
	if s.e2, err = s.randExponent(); err != nil {
		return tlv.TLV{}, err
	}
	if s.e3, err = s.randExponent(); err != nil {
		return tlv.TLV{}, err
	}

	g2b := exp(modpG, s.e2)
	g3b := exp(modpG, s.e3)

	c2, d2, err := s.knowledgeProof(3, s.e2)
	if err != nil {
		return tlv.TLV{}, err
	}
	c3, d3, err := s.knowledgeProof(4, s.e3)
	if err != nil {
		return tlv.TLV{}, err
	}

	s.g2 = exp(g2a, s.e2)
	s.g3 = exp(g3a, s.e3)
	s.peerG3 = g3a

	r4, err := s.randExponent()
	if err != nil {
		return tlv.TLV{}, err
	}
	s.pb = exp(s.g3, r4)
	s.qb = mul(exp(modpG, r4), exp(s.g2, s.secret))

	// Proof that Pb and Qb share the exponent r4 next to the secret.
	r5, err := s.randExponent()
	if err != nil {
		return tlv.TLV{}, err
	}
	r6, err := s.randExponent()
	if err != nil {
		return tlv.TLV{}, err
	}
	cp := modpHash(5, exp(s.g3, r5), mul(exp(modpG, r5), exp(s.g2, r6)))
	d5 := subQ(r5, r4, cp)
	d6 := subQ(r6, s.secret, cp)

	s.state = expect3
	return packMPIs(tlv.TypeSMP2, []*big.Int{g2b, c2, d2, g3b, c3, d3, s.pb, s.qb, cp, d5, d6}, nil), nil
}

// receiveSecond consumes SMP2 on the initiator and yields SMP3.
func (s *ModP) receiveSecond(t tlv.TLV) (Update, error) {
	values, err := unpackMPIs(t.Value, 11)
	if err != nil {
		return Update{}, err
	}
	g2b, c2, d2, g3b, c3, d3 := values[0], values[1], values[2], values[3], values[4], values[5]
	pb, qb, cp, d5, d6 := values[6], values[7], values[8], values[9], values[10]

	for _, v := range []*big.Int{g2b, g3b, pb, qb} {
		if err := validElement(v); err != nil {
			return Update{}, err
		}
	}
	if err := verifyKnowledge(3, g2b, c2, d2); err != nil {
		return Update{}, err
	}
	if err := verifyKnowledge(4, g3b, c3, d3); err != nil {
		return Update{}, err
	}

	s.g2 = exp(g2b, s.e2)
	s.g3 = exp(g3b, s.e3)
	s.peerG3 = g3b

	// Verify the Pb/Qb coordination proof.
	check := modpHash(5,
		mul(exp(s.g3, d5), exp(pb, cp)),
		mul(mul(exp(modpG, d5), exp(s.g2, d6)), exp(qb, cp)))
	if check.Cmp(cp) != 0 {
		return Update{}, fmt.Errorf("%w: coordination proof", ErrProtocol)
	}

	s.pb, s.qb = pb, qb

	r4, err := s.randExponent()
	if err != nil {
		return Update{}, err
	}
	s.pa = exp(s.g3, r4)
	s.qa = mul(exp(modpG, r4), exp(s.g2, s.secret))

	r5, err := s.randExponent()
	if err != nil {
		return Update{}, err
	}
	r6, err := s.randExponent()
	if err != nil {
		return Update{}, err
	}
	cp2 := modpHash(6, exp(s.g3, r5), mul(exp(modpG, r5), exp(s.g2, r6)))
	d5b := subQ(r5, r4, cp2)
	d6b := subQ(r6, s.secret, cp2)

	qq := mul(s.qa, inv(s.qb))
	s.ra = exp(qq, s.e3)

	r7, err := s.randExponent()
	if err != nil {
		return Update{}, err
	}
	cr := modpHash(7, exp(modpG, r7), exp(qq, r7))
	d7 := subQ(r7, s.e3, cr)

	s.state = expect4
	reply := packMPIs(tlv.TypeSMP3, []*big.Int{s.pa, s.qa, cp2, d5b, d6b, s.ra, cr, d7}, nil)
	return Update{Status: StatusOngoing, Reply: &reply}, nil
}

// receiveThird consumes SMP3 on the responder, learns the outcome, and
// yields the final SMP4.
func (s *ModP) receiveThird(t tlv.TLV) (Update, error) {
	values, err := unpackMPIs(t.Value, 8)
	if err != nil {
		return Update{}, err
	}
	pa, qa, cp, d5, d6, ra, cr, d7 := values[0], values[1], values[2], values[3], values[4], values[5], values[6], values[7]

	for _, v := range []*big.Int{pa, qa, ra} {
		if err := validElement(v); err != nil {
			return Update{}, err
		}
	}

	check := modpHash(6,
		mul(exp(s.g3, d5), exp(pa, cp)),
		mul(mul(exp(modpG, d5), exp(s.g2, d6)), exp(qa, cp)))
	if check.Cmp(cp) != 0 {
		return Update{}, fmt.Errorf("%w: coordination proof", ErrProtocol)
	}

	qq := mul(qa, inv(s.qb))
	checkR := modpHash(7,
		mul(exp(modpG, d7), exp(s.peerG3, cr)),
		mul(exp(qq, d7), exp(ra, cr)))
	if checkR.Cmp(cr) != 0 {
		return Update{}, fmt.Errorf("%w: log equality proof", ErrProtocol)
	}

	rb := exp(qq, s.e3)

	r7, err := s.randExponent()
	if err != nil {
		return Update{}, err
	}
	crb := modpHash(8, exp(modpG, r7), exp(qq, r7))
	d7b := subQ(r7, s.e3, crb)

	rab := exp(ra, s.e3)
	verified := rab.Cmp(mul(pa, inv(s.pb))) == 0

	reply := packMPIs(tlv.TypeSMP4, []*big.Int{rb, crb, d7b}, nil)
	s.reset()
	return Update{Status: StatusCompleted, Verified: verified, Reply: &reply}, nil
}

// receiveFourth consumes SMP4 on the initiator and learns the outcome.
func (s *ModP) receiveFourth(t tlv.TLV) (Update, error) {
	values, err := unpackMPIs(t.Value, 3)
	if err != nil {
		return Update{}, err
	}
	rb, cr, d7 := values[0], values[1], values[2]

	if err := validElement(rb); err != nil {
		return Update{}, err
	}

	qq := mul(s.qa, inv(s.qb))
	check := modpHash(8,
		mul(exp(modpG, d7), exp(s.peerG3, cr)),
		mul(exp(qq, d7), exp(rb, cr)))
	if check.Cmp(cr) != 0 {
		return Update{}, fmt.Errorf("%w: log equality proof", ErrProtocol)
	}

	rab := exp(rb, s.e3)
	verified := rab.Cmp(mul(s.pa, inv(s.pb))) == 0

	s.reset()
	return Update{Status: StatusCompleted, Verified: verified}, nil
}

// Receive consumes one SMP record. A record that does not fit the current
// state or fails its proofs returns an error; the caller aborts the
// exchange.
func (s *ModP) Receive(t tlv.TLV) (Update, error) {
	switch {
	case t.Type == tlv.TypeSMPAbort:
		s.reset()
		return Update{Status: StatusAborted}, nil

	case (t.Type == tlv.TypeSMP1 || t.Type == tlv.TypeSMP1Q) && s.state == expect1:
		return s.receiveFirst(t)

	case t.Type == tlv.TypeSMP2 && s.state == expect2:
		return s.receiveSecond(t)

	case t.Type == tlv.TypeSMP3 && s.state == expect3:
		return s.receiveThird(t)

	case t.Type == tlv.TypeSMP4 && s.state == expect4:
		return s.receiveFourth(t)

	default:
		s.reset()
		return Update{}, fmt.Errorf("%w: record %d in state %d", ErrProtocol, t.Type, s.state)
	}
}

// Abort resets the exchange and yields the abort record to send.
func (s *ModP) Abort() tlv.TLV {
	s.reset()
	return tlv.TLV{Type: tlv.TypeSMPAbort}
}

func (s *ModP) reset() {
	for _, v := range []*big.Int{s.secret, s.e2, s.e3} {
		if v != nil {
			v.SetInt64(0)
		}
	}
	s.secret, s.e2, s.e3 = nil, nil, nil
	s.g2, s.g3, s.peerG3 = nil, nil, nil
	s.pb, s.qb, s.pa, s.qa, s.ra = nil, nil, nil, nil, nil
	s.pendingFirst = nil
	s.question = ""
	s.state = expect1
}
