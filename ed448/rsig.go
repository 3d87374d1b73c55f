// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ed448

import (
	"fmt"
	"io"
	"math/big"
)

// RingSig is a signature proving knowledge of the private scalar behind one
// of three public keys, without revealing which. The deniable key exchange
// signs its transcript with the signer's long-term key inside a ring also
// containing the peer's forging key and the peer's ephemeral key, so a peer
// (or anyone holding the published forging key) could have forged the
// conversation.
//
// The construction is the standard Schnorr OR-composition: the signer
// simulates two of the three proofs with free challenges and binds the
// third challenge through the transcript hash, which fixes the sum of all
// three.
type RingSig struct {
	C1, R1 *big.Int
	C2, R2 *big.Int
	C3, R3 *big.Int
}

// RingSign signs message with secret, which must be the private scalar of
// ring[idx].
func RingSign(rnd io.Reader, secret *big.Int, idx int, ring [3]*Point, message []byte) (*RingSig, error) {
	if idx < 0 || idx > 2 {
		return nil, fmt.Errorf("ed448: ring index %d out of range", idx)
	}

	var (
		c, r [3]*big.Int
		t    [3]*Point
		err  error
	)

	// Simulated proofs for the two keys we do not know: free challenge
	// and response, commitment computed backwards.
	for j := 0; j < 3; j++ {
		if j == idx {
			continue
		}
		if c[j], err = RandomScalar(rnd); err != nil {
			return nil, err
		}
		if r[j], err = RandomScalar(rnd); err != nil {
			return nil, err
		}
		t[j] = Add(ScalarBaseMult(r[j]), ScalarMult(c[j], ring[j]))
	}

	// Honest commitment for our key.
	k, err := RandomScalar(rnd)
	if err != nil {
		return nil, err
	}
	t[idx] = ScalarBaseMult(k)

	chal := ringChallenge(ring, t, message)

	// The bound challenge is whatever remains after the simulated ones.
	ci := new(big.Int).Sub(chal, c[(idx+1)%3])
	ci.Sub(ci, c[(idx+2)%3])
	ci.Mod(ci, Order)
	c[idx] = ci

	// r = k - c*secret, so that G*r + P*c = G*k.
	ri := new(big.Int).Mul(ci, secret)
	ri.Sub(k, ri)
	ri.Mod(ri, Order)
	r[idx] = ri

	return &RingSig{
		C1: c[0], R1: r[0],
		C2: c[1], R2: r[1],
		C3: c[2], R3: r[2],
	}, nil
}

// RingVerify checks a ring signature against the three public keys.
func RingVerify(sig *RingSig, ring [3]*Point, message []byte) error {
	c := [3]*big.Int{sig.C1, sig.C2, sig.C3}
	r := [3]*big.Int{sig.R1, sig.R2, sig.R3}

	var t [3]*Point
	for j := 0; j < 3; j++ {
		if c[j] == nil || r[j] == nil {
			return fmt.Errorf("ed448: incomplete ring signature")
		}
		t[j] = Add(ScalarBaseMult(r[j]), ScalarMult(c[j], ring[j]))
	}

	chal := ringChallenge(ring, t, message)

	sum := new(big.Int).Add(c[0], c[1])
	sum.Add(sum, c[2])
	sum.Mod(sum, Order)

	if sum.Cmp(chal) != 0 {
		return fmt.Errorf("ed448: ring signature verification failed")
	}
	return nil
}

func ringChallenge(ring, t [3]*Point, message []byte) *big.Int {
	return HashToScalar(domainRingChal,
		ring[0].Bytes(), ring[1].Bytes(), ring[2].Bytes(),
		t[0].Bytes(), t[1].Bytes(), t[2].Bytes(),
		message)
}
