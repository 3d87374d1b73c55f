// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package dh implements the finite-field Diffie-Hellman groups the OTR
// protocol is defined over: the 1536 bit MODP group for versions 2 and 3
// and the 3072 bit MODP group mixed into the version 4 ratchet. Both are
// the RFC 3526 groups with generator 2.
package dh

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const hex1536 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA237327FFFFFFFFFFFFFFFF"

const hex3072 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64" +
	"ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
	"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6B" +
	"F12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
	"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB31" +
	"43DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"

// Group is one of the protocol's MODP groups.
type Group struct {
	P *big.Int
	G *big.Int

	// Q is the order of the subgroup generated by G, (P-1)/2.
	Q *big.Int

	// PrivateBytes is the entropy drawn for a private exponent.
	PrivateBytes int
}

func newGroup(hexP string, privBytes int) Group {
	p, ok := new(big.Int).SetString(hexP, 16)
	if !ok {
		panic("dh: invalid group constant")
	}
	return Group{
		P:            p,
		G:            big.NewInt(2),
		Q:            new(big.Int).Rsh(new(big.Int).Sub(p, big.NewInt(1)), 1),
		PrivateBytes: privBytes,
	}
}

// Modp1536 is the version 2/3 group, also hosting the mod-p SMP.
var Modp1536 = newGroup(hex1536, 40)

// Modp3072 is the version 4 group for the DAKE and the every-third-ratchet
// contribution.
var Modp3072 = newGroup(hex3072, 80)

// KeyPair is a private exponent with its public power of G.
type KeyPair struct {
	Priv *big.Int
	Pub  *big.Int
}

// GenerateKeyPair draws a fresh key pair from rnd, which defaults to the
// system entropy source.
func (g Group) GenerateKeyPair(rnd io.Reader) (KeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	buf := make([]byte, g.PrivateBytes)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return KeyPair{}, fmt.Errorf("dh: drawing private key: %w", err)
	}

	priv := new(big.Int).SetBytes(buf)
	wipe(buf)
	return KeyPair{
		Priv: priv,
		Pub:  new(big.Int).Exp(g.G, priv, g.P),
	}, nil
}

// Shared computes the shared secret between a private exponent and a peer's
// public value.
func (g Group) Shared(priv, peerPub *big.Int) *big.Int {
	return new(big.Int).Exp(peerPub, priv, g.P)
}

// IsGroupElement checks that a received public value lies in (1, P-1).
// Values outside force small subgroups and must be rejected before any
// exponentiation.
func (g Group) IsGroupElement(n *big.Int) bool {
	if n == nil || n.Cmp(big.NewInt(2)) < 0 {
		return false
	}
	bound := new(big.Int).Sub(g.P, big.NewInt(2))
	return n.Cmp(bound) <= 0
}

// Wipe clears the private half of the key pair.
func (kp *KeyPair) Wipe() {
	if kp.Priv != nil {
		kp.Priv.SetInt64(0)
		kp.Priv = nil
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
