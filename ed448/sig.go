// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ed448

import (
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
)

// Domain separation bytes for everything hashed in this package.
const (
	domainFingerprint byte = 0x00
	domainSigChal     byte = 0x02
	domainRingChal    byte = 0x1d
)

func scalarBytes(s *big.Int) []byte {
	out := make([]byte, ScalarSize)
	b := s.Bytes()
	copy(out[ScalarSize-len(b):], b)
	return out
}

func scalarFromBytes(b []byte) *big.Int {
	s := new(big.Int).SetBytes(b)
	return s.Mod(s, Order)
}

// Sign produces a Schnorr signature R || s over message under the key
// pair. The encoding is an EdDSA-shaped 114 byte blob: the 57 byte nonce
// point followed by the scalar padded to 57 bytes.
func Sign(rnd io.Reader, kp *KeyPair, message []byte) ([]byte, error) {
	r, err := RandomScalar(rnd)
	if err != nil {
		return nil, err
	}
	R := ScalarBaseMult(r)

	c := HashToScalar(domainSigChal, R.Bytes(), kp.Pub.Bytes(), message)

	// s = r + c*priv mod Order
	s := new(big.Int).Mul(c, kp.priv)
	s.Add(s, r)
	s.Mod(s, Order)

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, R.Bytes()...)
	sig = append(sig, 0)
	sig = append(sig, scalarBytes(s)...)
	return sig, nil
}

// Verify checks a signature produced by Sign.
func Verify(pub *Point, message, sig []byte) error {
	if len(sig) != SignatureSize {
		return fmt.Errorf("ed448: signature must be %d bytes, got %d", SignatureSize, len(sig))
	}

	R, err := PointFromBytes(sig[:PointSize])
	if err != nil {
		return err
	}
	if sig[PointSize] != 0 {
		return fmt.Errorf("ed448: malformed signature padding")
	}
	s := scalarFromBytes(sig[PointSize+1:])

	c := HashToScalar(domainSigChal, R.Bytes(), pub.Bytes(), message)

	// G*s must equal R + pub*c.
	lhs := ScalarBaseMult(s)
	rhs := Add(R, ScalarMult(c, pub))
	if subtle.ConstantTimeCompare(lhs.Bytes(), rhs.Bytes()) != 1 {
		return fmt.Errorf("ed448: signature verification failed")
	}
	return nil
}
