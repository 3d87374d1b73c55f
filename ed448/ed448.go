// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ed448 wraps the Ed448-Goldilocks group for the upper protocol
// layers: key pairs whose secret scalar is available (the ring signatures
// need it, which rules out the sealed EdDSA APIs), ECDH on the Edwards
// curve as the version 4 wire format encodes it, hashing to scalars, and
// fingerprints.
//
// All scalar arithmetic happens on big integers reduced modulo the prime
// group order; the curve library is only entered for point operations.
package ed448

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/cloudflare/circl/ecc/goldilocks"
	"golang.org/x/crypto/sha3"
)

// Sizes of the encoded forms.
const (
	// PointSize is the length of an encoded curve point.
	PointSize = 57

	// ScalarSize is the length of an encoded scalar.
	ScalarSize = 56

	// FingerprintSize is the length of a public key fingerprint.
	FingerprintSize = 56

	// SignatureSize is the length of a signature: an encoded point
	// followed by a scalar padded to the point width.
	SignatureSize = PointSize + PointSize
)

// Order is the prime order of the Goldilocks group,
// 2^446 - 13818066809895115352007386748515426880336692474882178609894547503885.
var Order = func() *big.Int {
	c, _ := new(big.Int).SetString("13818066809895115352007386748515426880336692474882178609894547503885", 10)
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 446), c)
}()

var curve goldilocks.Curve

// Point is an element of the prime-order group.
type Point struct {
	p *goldilocks.Point
}

// Scalar values are big integers in [0, Order).

// RandomScalar draws a uniform scalar from rnd, defaulting to the system
// entropy source.
func RandomScalar(rnd io.Reader) (*big.Int, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	buf := make([]byte, ScalarSize+8)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return nil, fmt.Errorf("ed448: drawing scalar: %w", err)
	}
	s := new(big.Int).SetBytes(buf)
	wipe(buf)
	return s.Mod(s, Order), nil
}

func toGoldilocks(s *big.Int) *goldilocks.Scalar {
	var gs goldilocks.Scalar
	b := new(big.Int).Mod(s, Order).Bytes()
	// big.Int is big-endian, the curve library expects little-endian.
	for i, v := range b {
		gs[len(b)-1-i] = v
	}
	return &gs
}

// ScalarBaseMult returns generator times s.
func ScalarBaseMult(s *big.Int) *Point {
	return &Point{p: curve.ScalarBaseMult(toGoldilocks(s))}
}

// ScalarMult returns s times P.
func ScalarMult(s *big.Int, P *Point) *Point {
	return &Point{p: curve.ScalarMult(toGoldilocks(s), P.p)}
}

// Add returns P + Q.
func Add(P, Q *Point) *Point {
	r := *Q.p
	r.Add(P.p)
	return &Point{p: &r}
}

// Sub returns P - Q.
func Sub(P, Q *Point) *Point {
	n := *Q.p
	n.Neg()
	n.Add(P.p)
	return &Point{p: &n}
}

// Equal reports whether two points encode identically.
func Equal(P, Q *Point) bool {
	return P.p.IsEqual(Q.p)
}

// Bytes returns the 57 byte encoding.
func (P *Point) Bytes() []byte {
	out := make([]byte, PointSize)
	if err := P.p.ToBytes(out); err != nil {
		panic("ed448: encoding point: " + err.Error())
	}
	return out
}

// PointFromBytes decodes a received 57 byte point. The identity element is
// rejected; every honest protocol value is a proper group element.
func PointFromBytes(b []byte) (*Point, error) {
	if len(b) != PointSize {
		return nil, fmt.Errorf("ed448: point must be %d bytes, got %d", PointSize, len(b))
	}
	p, err := goldilocks.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("ed448: decoding point: %w", err)
	}
	pt := &Point{p: p}
	if Equal(pt, identity()) {
		return nil, fmt.Errorf("ed448: identity element")
	}
	return pt, nil
}

func identity() *Point {
	return &Point{p: curve.Identity()}
}

// KeyPair is a secret scalar with its public point.
type KeyPair struct {
	priv *big.Int
	Pub  *Point
}

// GenerateKeyPair draws a fresh key pair.
func GenerateKeyPair(rnd io.Reader) (*KeyPair, error) {
	s, err := RandomScalar(rnd)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: s, Pub: ScalarBaseMult(s)}, nil
}

// Secret exposes the private scalar to the signing code in this package's
// callers within the module. Treat with care.
func (kp *KeyPair) Secret() *big.Int {
	return kp.priv
}

// Shared computes the ECDH secret between our scalar and the peer's point,
// as the 57 byte encoding of priv * peerPub.
func (kp *KeyPair) Shared(peerPub *Point) []byte {
	return ScalarMult(kp.priv, peerPub).Bytes()
}

// Wipe clears the private scalar.
func (kp *KeyPair) Wipe() {
	if kp.priv != nil {
		kp.priv.SetInt64(0)
		kp.priv = nil
	}
}

// HashToScalar maps arbitrary input to a scalar with SHAKE-256, using a
// domain separation byte.
func HashToScalar(domain byte, data ...[]byte) *big.Int {
	h := sha3.NewShake256()
	_, _ = h.Write([]byte{domain})
	for _, d := range data {
		_, _ = h.Write(d)
	}
	buf := make([]byte, ScalarSize+8)
	_, _ = h.Read(buf)
	s := new(big.Int).SetBytes(buf)
	return s.Mod(s, Order)
}

// Shake derives n bytes from the input under a domain separation byte. The
// whole version 4 key schedule funnels through this.
func Shake(domain byte, n int, data ...[]byte) []byte {
	h := sha3.NewShake256()
	_, _ = h.Write([]byte{domain})
	for _, d := range data {
		_, _ = h.Write(d)
	}
	out := make([]byte, n)
	_, _ = h.Read(out)
	return out
}

// Fingerprint of a public key, displayed to users and bound into the SMP
// secret.
func Fingerprint(pub *Point) []byte {
	return Shake(domainFingerprint, FingerprintSize, pub.Bytes())
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
