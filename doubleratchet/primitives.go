// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// This file implements the key derivation and message protection
// primitives of the version 4 ratchet. Every derivation is SHAKE-256 under
// a distinct domain byte; message encryption is AES-256-CTR with a zero
// nonce, sound because each message key encrypts exactly once.

package doubleratchet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"

	"golang.org/x/crypto/sha3"
)

// Key sizes.
const (
	// RootKeySize is the width of the root and chain keys.
	RootKeySize = 64

	// EncKeySize is the AES-256 message encryption key width.
	EncKeySize = 32

	// MACKeySize is the width of a message authentication key and of the
	// authenticator itself.
	MACKeySize = 64

	// ExtraKeySize is the width of the extra symmetric key handed to the
	// host.
	ExtraKeySize = 64
)

// Domain separation bytes of the ratchet's KDF tree.
const (
	usageRootKey    byte = 0x21
	usageChainKey   byte = 0x22
	usageNextChain  byte = 0x23
	usageMessageEnc byte = 0x24
	usageMessageMAC byte = 0x25
	usageExtraKey   byte = 0x26
	usageBraceFresh byte = 0x27
	usageBraceStep  byte = 0x28
	usageMixedKey   byte = 0x29
	usageAuth       byte = 0x2a
)

// kdf derives n bytes from the concatenated inputs under a domain byte.
func kdf(domain byte, n int, data ...[]byte) []byte {
	h := sha3.NewShake256()
	_, _ = h.Write([]byte{domain})
	for _, d := range data {
		_, _ = h.Write(d)
	}
	out := make([]byte, n)
	_, _ = h.Read(out)
	return out
}

// rootKdf mixes a rotation's shared secret into the root key, yielding the
// next root key and the new chain key.
//
// The Double Ratchet specification names this function KDF_RK.
func rootKdf(rootKey, mixed []byte) (nextRoot, chainKey []byte) {
	nextRoot = kdf(usageRootKey, RootKeySize, rootKey, mixed)
	chainKey = kdf(usageChainKey, RootKeySize, rootKey, mixed)
	return
}

// MessageKey protects exactly one message.
type MessageKey struct {
	Enc   [EncKeySize]byte
	MAC   [MACKeySize]byte
	Extra [ExtraKeySize]byte
}

// chainKdf advances a chain key by one message, deriving that message's
// key material.
//
// The Double Ratchet specification names this function KDF_CK.
func chainKdf(chainKey []byte) (next []byte, mk MessageKey) {
	next = kdf(usageNextChain, RootKeySize, chainKey)
	copy(mk.Enc[:], kdf(usageMessageEnc, EncKeySize, chainKey))
	copy(mk.MAC[:], kdf(usageMessageMAC, MACKeySize, mk.Enc[:]))
	copy(mk.Extra[:], kdf(usageExtraKey, ExtraKeySize, chainKey))
	return
}

// Encrypt applies the message cipher. Encryption and decryption coincide.
func Encrypt(mk *MessageKey, data []byte) []byte {
	block, err := aes.NewCipher(mk.Enc[:])
	if err != nil {
		panic("doubleratchet: " + err.Error())
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(out, data)
	return out
}

// Authenticate computes the authenticator over a message's raw header and
// ciphertext.
func Authenticate(mk *MessageKey, headerAndCiphertext []byte) []byte {
	return kdf(usageAuth, MACKeySize, mk.MAC[:], headerAndCiphertext)
}

// VerifyAuth compares a received authenticator in constant time.
func VerifyAuth(mk *MessageKey, headerAndCiphertext, auth []byte) bool {
	return subtle.ConstantTimeCompare(Authenticate(mk, headerAndCiphertext), auth) == 1
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (mk *MessageKey) wipe() {
	wipe(mk.Enc[:])
	wipe(mk.MAC[:])
	wipe(mk.Extra[:])
}
