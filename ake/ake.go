// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ake implements the interactive four-flight authenticated key
// exchange of protocol versions 2 and 3: DH-Commit, DH-Key,
// Reveal-Signature, Signature.
//
// States are values; every transition consumes the old state and returns
// the next one together with an optional reply message. Each state carries
// the instant it was entered, which the session layer compares when it
// reconciles a master session's progress onto a freshly created slave.
package ake

import (
	"bytes"
	"crypto/dsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/xolotl/otr/dh"
	"github.com/xolotl/otr/wire"
)

// ErrIgnore marks a message that is dropped without aborting the exchange,
// like a DH-Key, Reveal-Signature or Signature arriving in a state that
// does not expect it.
var ErrIgnore = errors.New("ake: message ignored")

// Context carries the per-conversation inputs of the exchange.
type Context struct {
	Version  uint16
	Rand     io.Reader
	Clock    func() time.Time
	LocalKey *dsa.PrivateKey
}

func (c *Context) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Result is the outcome of a completed exchange: everything the messaging
// state needs to enter ENCRYPTED.
type Result struct {
	Version     uint16
	SSID        [8]byte
	OurKeyPair  dh.KeyPair
	TheirPub    *big.Int
	TheirDSAKey *dsa.PublicKey
}

// State is one of the exchange's four states.
type State interface {
	// Timestamp returns the instant the state was entered.
	Timestamp() time.Time
}

// StateInitial is the quiescent state.
type StateInitial struct {
	At time.Time
}

// StateAwaitingDHKey follows sending a DH-Commit.
type StateAwaitingDHKey struct {
	At time.Time

	R       [16]byte
	KeyPair dh.KeyPair
	Commit  wire.DHCommit
}

// StateAwaitingRevealSig follows answering a DH-Commit with a DH-Key.
type StateAwaitingRevealSig struct {
	At time.Time

	KeyPair dh.KeyPair
	Commit  wire.DHCommit
}

// StateAwaitingSig follows sending a Reveal-Signature.
type StateAwaitingSig struct {
	At time.Time

	KeyPair   dh.KeyPair
	TheirPub  *big.Int
	Keys      derivedKeys
	RevealSig wire.RevealSig
}

func (s StateInitial) Timestamp() time.Time           { return s.At }
func (s StateAwaitingDHKey) Timestamp() time.Time     { return s.At }
func (s StateAwaitingRevealSig) Timestamp() time.Time { return s.At }
func (s StateAwaitingSig) Timestamp() time.Time       { return s.At }

// Start opens an exchange as the initiator, producing the DH-Commit flight.
func Start(ctx *Context) (msg *wire.DHCommit, next State, err error) {
	kp, err := dh.Modp1536.GenerateKeyPair(ctx.Rand)
	if err != nil {
		return nil, nil, err
	}

	st := StateAwaitingDHKey{At: ctx.now(), KeyPair: kp}
	if _, err = io.ReadFull(ctx.Rand, st.R[:]); err != nil {
		return nil, nil, err
	}

	gxMPI := wire.MPIBytes(kp.Pub)
	hashed := sha256.Sum256(gxMPI)
	st.Commit = wire.DHCommit{
		EncryptedGx: aesCTR(st.R[:], gxMPI),
		HashedGx:    hashed[:],
	}

	return &st.Commit, st, nil
}

// ProcessDHCommit answers an incoming DH-Commit. It resets a running
// exchange except when our own pending DH-Commit wins the race, decided by
// comparing the hashed g^x values as big-endian numbers.
func ProcessDHCommit(ctx *Context, cur State, m *wire.DHCommit) (reply wire.Body, next State, err error) {
	if st, ok := cur.(StateAwaitingDHKey); ok {
		ours := new(big.Int).SetBytes(st.Commit.HashedGx)
		theirs := new(big.Int).SetBytes(m.HashedGx)
		if ours.Cmp(theirs) > 0 {
			// Our commitment outranks theirs: ignore the message and
			// repeat our own flight.
			return &st.Commit, st, nil
		}
	}

	kp, err := dh.Modp1536.GenerateKeyPair(ctx.Rand)
	if err != nil {
		return nil, cur, err
	}

	st := StateAwaitingRevealSig{At: ctx.now(), KeyPair: kp, Commit: *m}
	return &wire.DHKey{Gy: kp.Pub}, st, nil
}

// ProcessDHKey consumes the responder's DH-Key and produces the
// Reveal-Signature flight. A repeated DH-Key with the same public value
// only triggers a retransmission.
func ProcessDHKey(ctx *Context, cur State, m *wire.DHKey) (reply wire.Body, next State, err error) {
	switch st := cur.(type) {
	case StateAwaitingDHKey:
		if !dh.Modp1536.IsGroupElement(m.Gy) {
			return nil, cur, fmt.Errorf("ake: DH-Key value outside the group")
		}

		s := dh.Modp1536.Shared(st.KeyPair.Priv, m.Gy)
		keys := deriveKeys(s)

		sigMsg, err := signFlight(ctx, st.KeyPair.Pub, m.Gy, keys.c[:], keys.m1[:], keys.m2[:])
		if err != nil {
			return nil, cur, err
		}

		rs := wire.RevealSig{
			RevealedKey:  st.R[:],
			EncryptedSig: sigMsg.encrypted,
			MAC:          sigMsg.mac,
		}
		return &rs, StateAwaitingSig{
			At:        ctx.now(),
			KeyPair:   st.KeyPair,
			TheirPub:  m.Gy,
			Keys:      keys,
			RevealSig: rs,
		}, nil

	case StateAwaitingSig:
		if st.TheirPub != nil && st.TheirPub.Cmp(m.Gy) == 0 {
			return &st.RevealSig, st, nil
		}
		return nil, cur, ErrIgnore

	default:
		return nil, cur, ErrIgnore
	}
}

// ProcessRevealSig verifies the initiator's revealed commitment and
// signature and completes the exchange for the responder, answering with
// the Signature flight.
func ProcessRevealSig(ctx *Context, cur State, m *wire.RevealSig) (reply wire.Body, res *Result, err error) {
	st, ok := cur.(StateAwaitingRevealSig)
	if !ok {
		return nil, nil, ErrIgnore
	}
	if len(m.RevealedKey) != 16 {
		return nil, nil, fmt.Errorf("ake: revealed key must be 16 bytes")
	}

	// Open the commitment from the first flight.
	gxMPI := aesCTR(m.RevealedKey, st.Commit.EncryptedGx)
	hashed := sha256.Sum256(gxMPI)
	if !bytes.Equal(hashed[:], st.Commit.HashedGx) {
		return nil, nil, fmt.Errorf("ake: DH-Commit hash mismatch")
	}
	gx, _, err := wire.ReadMPI(gxMPI)
	if err != nil || !dh.Modp1536.IsGroupElement(gx) {
		return nil, nil, fmt.Errorf("ake: committed value outside the group")
	}

	s := dh.Modp1536.Shared(st.KeyPair.Priv, gx)
	keys := deriveKeys(s)

	theirKey, err := verifyFlight(m.EncryptedSig, m.MAC, gx, st.KeyPair.Pub, keys.c[:], keys.m1[:], keys.m2[:])
	if err != nil {
		return nil, nil, err
	}

	sigMsg, err := signFlight(ctx, st.KeyPair.Pub, gx, keys.cPrime[:], keys.m1p[:], keys.m2p[:])
	if err != nil {
		return nil, nil, err
	}

	return &wire.Sig{EncryptedSig: sigMsg.encrypted, MAC: sigMsg.mac}, &Result{
		Version:     ctx.Version,
		SSID:        keys.ssid,
		OurKeyPair:  st.KeyPair,
		TheirPub:    gx,
		TheirDSAKey: theirKey,
	}, nil
}

// ProcessSig verifies the responder's Signature flight and completes the
// exchange for the initiator.
func ProcessSig(ctx *Context, cur State, m *wire.Sig) (res *Result, err error) {
	st, ok := cur.(StateAwaitingSig)
	if !ok {
		return nil, ErrIgnore
	}

	theirKey, err := verifyFlight(m.EncryptedSig, m.MAC, st.TheirPub, st.KeyPair.Pub, st.Keys.cPrime[:], st.Keys.m1p[:], st.Keys.m2p[:])
	if err != nil {
		return nil, err
	}

	return &Result{
		Version:     ctx.Version,
		SSID:        st.Keys.ssid,
		OurKeyPair:  st.KeyPair,
		TheirPub:    st.TheirPub,
		TheirDSAKey: theirKey,
	}, nil
}
