// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import (
	"fmt"
	"io"
	"math/big"

	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/tlv"
	"github.com/xolotl/otr/wire"
)

// Ed448 runs the protocol on the Goldilocks curve for version 4 sessions.
// The flights mirror the mod-p variant in additive notation; the question
// travels as a length-prefixed field inside SMP1 since version 4 has no
// separate question record type.
type Ed448 struct {
	rand io.Reader

	ssid     [8]byte
	ourFpr   []byte
	theirFpr []byte

	state int

	secret *big.Int

	e2, e3 *big.Int

	g2, g3 *ed448.Point

	peerG3 *ed448.Point
	pb, qb *ed448.Point
	pa, qa *ed448.Point
	ra     *ed448.Point

	pendingFirst *smp1Values
	question     string
}

type smp1Values struct {
	g2a, g3a *ed448.Point
}

// Proof domain bytes, distinct from the mod-p SHA-256 versions by living
// in the SHAKE domain space of this package.
const (
	domainSecret byte = 0x40
	domainProof1 byte = 0x41
	domainProof2 byte = 0x42
	domainProof3 byte = 0x43
	domainProof4 byte = 0x44
	domainProof5 byte = 0x45
	domainProof6 byte = 0x46
	domainProof7 byte = 0x47
	domainProof8 byte = 0x48
)

// NewEd448 prepares an idle exchange bound to the session identifier and
// both long-term key fingerprints.
func NewEd448(rnd io.Reader, ssid [8]byte, ourFpr, theirFpr []byte) *Ed448 {
	return &Ed448{rand: rnd, ssid: ssid, ourFpr: ourFpr, theirFpr: theirFpr}
}

// InProgress reports whether an exchange is underway.
func (s *Ed448) InProgress() bool {
	return s.state != expect1 || s.pendingFirst != nil
}

func (s *Ed448) bindSecret(answer []byte, weInitiated bool) *big.Int {
	first, second := s.ourFpr, s.theirFpr
	if !weInitiated {
		first, second = s.theirFpr, s.ourFpr
	}
	return ed448.HashToScalar(domainSecret, first, second, s.ssid[:], answer)
}

func scalarSub(r, x, c *big.Int) *big.Int {
	v := new(big.Int).Mul(x, c)
	v.Sub(r, v)
	return v.Mod(v, ed448.Order)
}

func hashProof(domain byte, points ...*ed448.Point) *big.Int {
	data := make([][]byte, len(points))
	for i, p := range points {
		data[i] = p.Bytes()
	}
	return ed448.HashToScalar(domain, data...)
}

// knowledgeProof proves knowledge of the scalar behind G*x.
func (s *Ed448) knowledgeProof(domain byte, x *big.Int) (c, d *big.Int, err error) {
	r, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return nil, nil, err
	}
	c = hashProof(domain, ed448.ScalarBaseMult(r))
	d = scalarSub(r, x, c)
	return
}

func verifyKnowledgeEd(domain byte, pub *ed448.Point, c, d *big.Int) error {
	check := hashProof(domain, ed448.Add(ed448.ScalarBaseMult(d), ed448.ScalarMult(c, pub)))
	if check.Cmp(c) != 0 {
		return fmt.Errorf("%w: knowledge proof %#x", ErrProtocol, domain)
	}
	return nil
}

// Flight encodings: a 4 byte count followed by fixed-width points and
// scalars in flight order.

type item struct {
	point  *ed448.Point
	scalar *big.Int
}

func pt(p *ed448.Point) item { return item{point: p} }
func sc(v *big.Int) item     { return item{scalar: v} }

func packItems(t uint16, prefix []byte, items []item) tlv.TLV {
	b := append([]byte(nil), prefix...)
	b = wire.AppendInt(b, uint32(len(items)))
	for _, it := range items {
		if it.point != nil {
			b = append(b, it.point.Bytes()...)
		} else {
			buf := make([]byte, wire.ScalarSize)
			it.scalar.FillBytes(buf)
			b = append(b, buf...)
		}
	}
	return tlv.TLV{Type: t, Value: b}
}

// unpackItems parses a flight against its shape: true marks a point slot,
// false a scalar slot.
func unpackItems(b []byte, shape []bool) ([]*ed448.Point, []*big.Int, error) {
	n, b, err := wire.ReadInt(b)
	if err != nil || int(n) != len(shape) {
		return nil, nil, fmt.Errorf("%w: expected %d values", ErrProtocol, len(shape))
	}

	var (
		points  []*ed448.Point
		scalars []*big.Int
	)
	for _, isPoint := range shape {
		if isPoint {
			raw, rest, err := wire.ReadFixed(b, wire.PointSize)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: truncated flight", ErrProtocol)
			}
			p, err := ed448.PointFromBytes(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			points = append(points, p)
			b = rest
		} else {
			raw, rest, err := wire.ReadFixed(b, wire.ScalarSize)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: truncated flight", ErrProtocol)
			}
			v := new(big.Int).SetBytes(raw)
			scalars = append(scalars, v.Mod(v, ed448.Order))
			b = rest
		}
	}
	return points, scalars, nil
}

// Start initiates the exchange, yielding the SMP1 record.
func (s *Ed448) Start(question string, answer []byte) (tlv.TLV, error) {
	s.reset()
	s.secret = s.bindSecret(answer, true)
	s.question = question

	var err error
	if s.e2, err = ed448.RandomScalar(s.rand); err != nil {
		return tlv.TLV{}, err
	}
	if s.e3, err = ed448.RandomScalar(s.rand); err != nil {
		return tlv.TLV{}, err
	}

	g2a := ed448.ScalarBaseMult(s.e2)
	g3a := ed448.ScalarBaseMult(s.e3)

	c2, d2, err := s.knowledgeProof(domainProof1, s.e2)
	if err != nil {
		return tlv.TLV{}, err
	}
	c3, d3, err := s.knowledgeProof(domainProof2, s.e3)
	if err != nil {
		return tlv.TLV{}, err
	}

	s.state = expect2
	prefix := wire.AppendData(nil, []byte(question))
	return packItems(tlv.TypeSMP1, prefix,
		[]item{pt(g2a), sc(c2), sc(d2), pt(g3a), sc(c3), sc(d3)}), nil
}

func (s *Ed448) receiveFirst(t tlv.TLV) (Update, error) {
	question, rest, err := wire.ReadData(t.Value)
	if err != nil {
		return Update{}, fmt.Errorf("%w: missing question field", ErrProtocol)
	}
	s.question = string(question)

	points, scalars, err := unpackItems(rest, []bool{true, false, false, true, false, false})
	if err != nil {
		return Update{}, err
	}
	g2a, g3a := points[0], points[1]
	c2, d2, c3, d3 := scalars[0], scalars[1], scalars[2], scalars[3]

	if err := verifyKnowledgeEd(domainProof1, g2a, c2, d2); err != nil {
		return Update{}, err
	}
	if err := verifyKnowledgeEd(domainProof2, g3a, c3, d3); err != nil {
		return Update{}, err
	}

	s.pendingFirst = &smp1Values{g2a: g2a, g3a: g3a}
	return Update{Status: StatusAwaitingAnswer, Question: s.question}, nil
}

// Respond continues a peer-initiated exchange once the host supplied the
// answer, yielding the SMP2 record.
func (s *Ed448) Respond(answer []byte) (tlv.TLV, error) {
	if s.pendingFirst == nil {
		return tlv.TLV{}, fmt.Errorf("%w: no exchange awaiting an answer", ErrProtocol)
	}
	first := s.pendingFirst
	s.pendingFirst = nil

	s.secret = s.bindSecret(answer, false)

	var err error
	if s.e2, err = ed448.RandomScalar(s.rand); err != nil {
		return tlv.TLV{}, err
	}
	if s.e3, err = ed448.RandomScalar(s.rand); err != nil {
		return tlv.TLV{}, err
	}

	g2b := ed448.ScalarBaseMult(s.e2)
	g3b := ed448.ScalarBaseMult(s.e3)

	c2, d2, err := s.knowledgeProof(domainProof3, s.e2)
	if err != nil {
		return tlv.TLV{}, err
	}
	c3, d3, err := s.knowledgeProof(domainProof4, s.e3)
	if err != nil {
		return tlv.TLV{}, err
	}

	s.g2 = ed448.ScalarMult(s.e2, first.g2a)
	s.g3 = ed448.ScalarMult(s.e3, first.g3a)
	s.peerG3 = first.g3a

	r4, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return tlv.TLV{}, err
	}
	s.pb = ed448.ScalarMult(r4, s.g3)
	s.qb = ed448.Add(ed448.ScalarBaseMult(r4), ed448.ScalarMult(s.secret, s.g2))

	r5, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return tlv.TLV{}, err
	}
	r6, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return tlv.TLV{}, err
	}
	cp := hashProof(domainProof5,
		ed448.ScalarMult(r5, s.g3),
		ed448.Add(ed448.ScalarBaseMult(r5), ed448.ScalarMult(r6, s.g2)))
	d5 := scalarSub(r5, r4, cp)
	d6 := scalarSub(r6, s.secret, cp)

	s.state = expect3
	return packItems(tlv.TypeSMP2, nil, []item{
		pt(g2b), sc(c2), sc(d2), pt(g3b), sc(c3), sc(d3),
		pt(s.pb), pt(s.qb), sc(cp), sc(d5), sc(d6),
	}), nil
}

func (s *Ed448) receiveSecond(t tlv.TLV) (Update, error) {
	points, scalars, err := unpackItems(t.Value, []bool{
		true, false, false, true, false, false,
		true, true, false, false, false,
	})
	if err != nil {
		return Update{}, err
	}
	g2b, g3b, pb, qb := points[0], points[1], points[2], points[3]
	c2, d2, c3, d3, cp, d5, d6 := scalars[0], scalars[1], scalars[2], scalars[3], scalars[4], scalars[5], scalars[6]

	if err := verifyKnowledgeEd(domainProof3, g2b, c2, d2); err != nil {
		return Update{}, err
	}
	if err := verifyKnowledgeEd(domainProof4, g3b, c3, d3); err != nil {
		return Update{}, err
	}

	s.g2 = ed448.ScalarMult(s.e2, g2b)
	s.g3 = ed448.ScalarMult(s.e3, g3b)
	s.peerG3 = g3b

	check := hashProof(domainProof5,
		ed448.Add(ed448.ScalarMult(d5, s.g3), ed448.ScalarMult(cp, pb)),
		ed448.Add(ed448.Add(ed448.ScalarBaseMult(d5), ed448.ScalarMult(d6, s.g2)), ed448.ScalarMult(cp, qb)))
	if check.Cmp(cp) != 0 {
		return Update{}, fmt.Errorf("%w: coordination proof", ErrProtocol)
	}

	s.pb, s.qb = pb, qb

	r4, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return Update{}, err
	}
	s.pa = ed448.ScalarMult(r4, s.g3)
	s.qa = ed448.Add(ed448.ScalarBaseMult(r4), ed448.ScalarMult(s.secret, s.g2))

	r5, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return Update{}, err
	}
	r6, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return Update{}, err
	}
	cp2 := hashProof(domainProof6,
		ed448.ScalarMult(r5, s.g3),
		ed448.Add(ed448.ScalarBaseMult(r5), ed448.ScalarMult(r6, s.g2)))
	d5b := scalarSub(r5, r4, cp2)
	d6b := scalarSub(r6, s.secret, cp2)

	qq := ed448.Sub(s.qa, s.qb)
	s.ra = ed448.ScalarMult(s.e3, qq)

	r7, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return Update{}, err
	}
	cr := hashProof(domainProof7, ed448.ScalarBaseMult(r7), ed448.ScalarMult(r7, qq))
	d7 := scalarSub(r7, s.e3, cr)

	s.state = expect4
	reply := packItems(tlv.TypeSMP3, nil, []item{
		pt(s.pa), pt(s.qa), sc(cp2), sc(d5b), sc(d6b),
		pt(s.ra), sc(cr), sc(d7),
	})
	return Update{Status: StatusOngoing, Reply: &reply}, nil
}

func (s *Ed448) receiveThird(t tlv.TLV) (Update, error) {
	points, scalars, err := unpackItems(t.Value, []bool{
		true, true, false, false, false,
		true, false, false,
	})
	if err != nil {
		return Update{}, err
	}
	pa, qa, ra := points[0], points[1], points[2]
	cp, d5, d6, cr, d7 := scalars[0], scalars[1], scalars[2], scalars[3], scalars[4]

	check := hashProof(domainProof6,
		ed448.Add(ed448.ScalarMult(d5, s.g3), ed448.ScalarMult(cp, pa)),
		ed448.Add(ed448.Add(ed448.ScalarBaseMult(d5), ed448.ScalarMult(d6, s.g2)), ed448.ScalarMult(cp, qa)))
	if check.Cmp(cp) != 0 {
		return Update{}, fmt.Errorf("%w: coordination proof", ErrProtocol)
	}

	qq := ed448.Sub(qa, s.qb)
	checkR := hashProof(domainProof7,
		ed448.Add(ed448.ScalarBaseMult(d7), ed448.ScalarMult(cr, s.peerG3)),
		ed448.Add(ed448.ScalarMult(d7, qq), ed448.ScalarMult(cr, ra)))
	if checkR.Cmp(cr) != 0 {
		return Update{}, fmt.Errorf("%w: log equality proof", ErrProtocol)
	}

	rb := ed448.ScalarMult(s.e3, qq)

	r7, err := ed448.RandomScalar(s.rand)
	if err != nil {
		return Update{}, err
	}
	crb := hashProof(domainProof8, ed448.ScalarBaseMult(r7), ed448.ScalarMult(r7, qq))
	d7b := scalarSub(r7, s.e3, crb)

	rab := ed448.ScalarMult(s.e3, ra)
	verified := ed448.Equal(rab, ed448.Sub(pa, s.pb))

	reply := packItems(tlv.TypeSMP4, nil, []item{pt(rb), sc(crb), sc(d7b)})
	s.reset()
	return Update{Status: StatusCompleted, Verified: verified, Reply: &reply}, nil
}

func (s *Ed448) receiveFourth(t tlv.TLV) (Update, error) {
	points, scalars, err := unpackItems(t.Value, []bool{true, false, false})
	if err != nil {
		return Update{}, err
	}
	rb := points[0]
	cr, d7 := scalars[0], scalars[1]

	qq := ed448.Sub(s.qa, s.qb)
	check := hashProof(domainProof8,
		ed448.Add(ed448.ScalarBaseMult(d7), ed448.ScalarMult(cr, s.peerG3)),
		ed448.Add(ed448.ScalarMult(d7, qq), ed448.ScalarMult(cr, rb)))
	if check.Cmp(cr) != 0 {
		return Update{}, fmt.Errorf("%w: log equality proof", ErrProtocol)
	}

	rab := ed448.ScalarMult(s.e3, rb)
	verified := ed448.Equal(rab, ed448.Sub(s.pa, s.pb))

	s.reset()
	return Update{Status: StatusCompleted, Verified: verified}, nil
}

// Receive consumes one SMP record, as in the mod-p variant.
func (s *Ed448) Receive(t tlv.TLV) (Update, error) {
	switch {
	case t.Type == tlv.TypeSMPAbort:
		s.reset()
		return Update{Status: StatusAborted}, nil

	case t.Type == tlv.TypeSMP1 && s.state == expect1:
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
func (s *Ed448) Abort() tlv.TLV {
	s.reset()
	return tlv.TLV{Type: tlv.TypeSMPAbort}
}

func (s *Ed448) reset() {
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
