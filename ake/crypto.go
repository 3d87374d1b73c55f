// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/dsa"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/xolotl/otr/wire"
)

// derivedKeys is the fixed KDF output over the AKE shared secret. The
// primed values key the fourth flight.
type derivedKeys struct {
	ssid   [8]byte
	c      [16]byte
	cPrime [16]byte
	m1     [32]byte
	m2     [32]byte
	m1p    [32]byte
	m2p    [32]byte
}

// h2 hashes a domain byte followed by the MPI encoding of the shared
// secret.
func h2(b byte, secbytes []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{b})
	h.Write(secbytes)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func deriveKeys(s *big.Int) (k derivedKeys) {
	secbytes := wire.MPIBytes(s)

	ssid := h2(0x00, secbytes)
	copy(k.ssid[:], ssid[:8])

	cc := h2(0x01, secbytes)
	copy(k.c[:], cc[:16])
	copy(k.cPrime[:], cc[16:])

	k.m1 = h2(0x02, secbytes)
	k.m2 = h2(0x03, secbytes)
	k.m1p = h2(0x04, secbytes)
	k.m2p = h2(0x05, secbytes)
	return
}

// aesCTR runs AES-128-CTR with a zero counter, as used for the committed
// g^x and the signature blocks. Encryption and decryption coincide.
func aesCTR(key, data []byte) []byte {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		panic("ake: " + err.Error())
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(out, data)
	return out
}

// encodeDSAKey serializes a DSA public key: the key type tag followed by
// the p, q, g, y parameters as MPIs.
func encodeDSAKey(pub *dsa.PublicKey) []byte {
	b := wire.AppendShort(nil, 0x0000)
	b = wire.AppendMPI(b, pub.P)
	b = wire.AppendMPI(b, pub.Q)
	b = wire.AppendMPI(b, pub.G)
	return wire.AppendMPI(b, pub.Y)
}

func decodeDSAKey(b []byte) (*dsa.PublicKey, []byte, error) {
	tag, b, err := wire.ReadShort(b)
	if err != nil {
		return nil, nil, err
	}
	if tag != 0x0000 {
		return nil, nil, fmt.Errorf("ake: unsupported public key type %#x", tag)
	}

	pub := &dsa.PublicKey{}
	for _, v := range []**big.Int{&pub.P, &pub.Q, &pub.G, &pub.Y} {
		if *v, b, err = wire.ReadMPI(b); err != nil {
			return nil, nil, err
		}
		if *v == nil {
			return nil, nil, fmt.Errorf("ake: zero DSA parameter")
		}
	}
	return pub, b, nil
}

// sigMaterial is the per-flight signed key material: X encrypted under the
// flight's AES key, and its MAC.
type sigMaterial struct {
	encrypted []byte
	mac       []byte
}

// mb computes the signed digest M: an HMAC under m1 over both DH values,
// the signer's public key and the key id.
func mb(m1, ourDHMPI, theirDHMPI, pubBytes []byte, keyID uint32) []byte {
	mac := hmac.New(sha256.New, m1)
	mac.Write(ourDHMPI)
	mac.Write(theirDHMPI)
	mac.Write(pubBytes)
	mac.Write(wire.AppendInt(nil, keyID))
	return mac.Sum(nil)
}

// truncateForDSA cuts a digest to the byte length of the DSA subgroup
// order, as the signing primitive expects.
func truncateForDSA(digest []byte, q *big.Int) []byte {
	n := (q.BitLen() + 7) / 8
	if len(digest) > n {
		return digest[:n]
	}
	return digest
}

// initialKeyID is the key id both parties assign their first DH key.
const initialKeyID uint32 = 1

// signFlight builds the encrypted X block of a Reveal-Signature or
// Signature flight.
func signFlight(ctx *Context, ourDH, theirDH *big.Int, aesKey, m1, m2 []byte) (sigMaterial, error) {
	pubBytes := encodeDSAKey(&ctx.LocalKey.PublicKey)
	digest := mb(m1, wire.MPIBytes(ourDH), wire.MPIBytes(theirDH), pubBytes, initialKeyID)

	r, s, err := dsa.Sign(ctx.Rand, ctx.LocalKey, truncateForDSA(digest, ctx.LocalKey.Q))
	if err != nil {
		return sigMaterial{}, fmt.Errorf("ake: DSA signing: %w", err)
	}

	sig := make([]byte, 40)
	r.FillBytes(sig[:20])
	s.FillBytes(sig[20:])

	x := append(pubBytes, wire.AppendInt(nil, initialKeyID)...)
	x = append(x, sig...)

	encrypted := aesCTR(aesKey, x)

	mac := hmac.New(sha256.New, m2)
	mac.Write(wire.AppendData(nil, encrypted))

	return sigMaterial{encrypted: encrypted, mac: mac.Sum(nil)[:wire.MACSize]}, nil
}

// verifyFlight checks the MAC and signature of a received flight and
// returns the peer's long-term key. theirDH is the signer's DH value, ourDH
// is ours.
func verifyFlight(encrypted, macReceived []byte, theirDH, ourDH *big.Int, aesKey, m1, m2 []byte) (*dsa.PublicKey, error) {
	mac := hmac.New(sha256.New, m2)
	mac.Write(wire.AppendData(nil, encrypted))
	if !hmac.Equal(mac.Sum(nil)[:wire.MACSize], macReceived) {
		return nil, fmt.Errorf("ake: flight MAC mismatch")
	}

	x := aesCTR(aesKey, encrypted)

	pub, rest, err := decodeDSAKey(x)
	if err != nil {
		return nil, err
	}
	keyID, rest, err := wire.ReadInt(rest)
	if err != nil {
		return nil, err
	}
	sig, _, err := wire.ReadFixed(rest, 40)
	if err != nil {
		return nil, err
	}

	digest := mb(m1, wire.MPIBytes(theirDH), wire.MPIBytes(ourDH), encodeDSAKey(pub), keyID)

	r := new(big.Int).SetBytes(sig[:20])
	s := new(big.Int).SetBytes(sig[20:])
	if !dsa.Verify(pub, truncateForDSA(digest, pub.Q), r, s) {
		return nil, fmt.Errorf("ake: DSA signature verification failed")
	}

	return pub, nil
}
