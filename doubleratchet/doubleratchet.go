// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package doubleratchet implements the version 4 key schedule: a Double
// Ratchet whose rotations mix an Ed448 ECDH contribution on every step and
// a fresh 3072 bit finite-field DH contribution on every third step.
//
// Rotations strictly alternate direction. Receiving rotations are staged
// on a copy of the state and only committed once the triggering message
// authenticates, so forged headers cannot desynchronize the schedule. The
// MAC half of every consumed or evicted message key lands in a reveal set
// that the messaging layer publishes with subsequent outbound traffic.
package doubleratchet

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/xolotl/otr/dh"
	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/wire"
)

// Limits of the schedule.
const (
	// maxSkip bounds how many message keys one advance may skip over.
	maxSkip = 1000

	// maxStoredKeys bounds the skipped key store; the eldest entry is
	// evicted (and its MAC revealed) beyond that.
	maxStoredKeys = 1000

	// maxRotations is the hard horizon on ratchet steps for one session.
	maxRotations = 1 << 20
)

// Errors surfaced to the messaging layer. All of them mean "this message
// is unreadable"; none of them change state.
var (
	// ErrRotationLimit rejects messages beyond the rotation horizon or
	// claiming impossible ratchet ids.
	ErrRotationLimit = errors.New("doubleratchet: rotation limit exceeded")

	// ErrKeyUnavailable rejects messages whose key was already consumed
	// or evicted.
	ErrKeyUnavailable = errors.New("doubleratchet: message key unavailable")

	// ErrAuthFailed rejects messages whose authenticator does not verify.
	ErrAuthFailed = errors.New("doubleratchet: authentication failed")

	// ErrDirection rejects rotations arriving against the expected
	// alternation.
	ErrDirection = errors.New("doubleratchet: rotation direction mismatch")
)

// Direction of the next rotation.
type Direction int

// The two rotation directions.
const (
	Sending Direction = iota
	Receiving
)

type keyID struct {
	I, J uint32
}

// Config assembles a ratchet out of a completed key exchange.
type Config struct {
	Rand io.Reader

	// Root is the initial root key derived from the exchange's shared
	// secret.
	Root []byte

	// OurECDH and OurDH are the first-ratchet key pairs we advertised
	// during the key exchange; the first sending rotation replaces them.
	OurECDH *ed448.KeyPair
	OurDH   dh.KeyPair

	// TheirECDH and TheirDH are the peer's advertised first-ratchet
	// public keys; the first sending rotation fails without them.
	TheirECDH *ed448.Point
	TheirDH   *big.Int
}

// Ratchet is the state of one encrypted version 4 session.
type Ratchet struct {
	rand io.Reader

	rootKey []byte

	ourECDH *ed448.KeyPair
	ourDH   dh.KeyPair

	theirECDH *ed448.Point
	theirDH   *big.Int

	braceKey []byte

	i  uint32 // ratchet index
	j  uint32 // next sending message index
	k  uint32 // next receiving message index
	pn uint32 // length of the previous sending chain

	sendChain []byte
	recvChain []byte

	next    Direction
	started bool // false until the very first rotation settles the roles

	skipped map[keyID]MessageKey
	order   []keyID

	reveals []byte

	extraKeyBase []byte
}

// New creates the ratchet. Both parties start with next rotation SENDING;
// whoever sends first takes the lead and the receiver flips into the
// follower role on the first received rotation.
func New(cfg Config) *Ratchet {
	return &Ratchet{
		rand:      cfg.Rand,
		rootKey:   append([]byte(nil), cfg.Root...),
		ourECDH:   cfg.OurECDH,
		ourDH:     cfg.OurDH,
		theirECDH: cfg.TheirECDH,
		theirDH:   cfg.TheirDH,
		next:      Sending,
		skipped:   make(map[keyID]MessageKey),
	}
}

// includesDH reports whether the rotation to ratchet index i carries a
// fresh finite-field DH contribution. The first rotation and every third
// one after it do.
func includesDH(i uint32) bool {
	return (i-1)%3 == 0
}

// Header is the ratchet-relevant part of a data message.
type Header struct {
	I, J, PN uint32
	ECDHPub  *ed448.Point
	DHPub    *big.Int
}

// Sealed is the ratchet's contribution to one outbound message.
type Sealed struct {
	I, J, PN uint32

	// ECDHPub is always our current ratchet key; DHPub is nil except on
	// ratchets carrying a DH contribution.
	ECDHPub *ed448.Point
	DHPub   *big.Int

	Keys MessageKey

	// Reveals drains the MAC reveal set into the message.
	Reveals []byte
}

// rotateSending starts a new sending chain with fresh key material.
func (r *Ratchet) rotateSending() error {
	if r.i >= maxRotations {
		return ErrRotationLimit
	}
	if r.theirECDH == nil {
		return fmt.Errorf("doubleratchet: peer ratchet keys unknown")
	}

	ecdh, err := ed448.GenerateKeyPair(r.rand)
	if err != nil {
		return err
	}

	nextI := r.i + 1
	if includesDH(nextI) {
		pair, err := dh.Modp3072.GenerateKeyPair(r.rand)
		if err != nil {
			return err
		}
		r.ourDH.Wipe()
		r.ourDH = pair
		shared := dh.Modp3072.Shared(r.ourDH.Priv, r.theirDH)
		old := r.braceKey
		r.braceKey = kdf(usageBraceFresh, RootKeySize, wire.MPIBytes(shared))
		wipe(old)
		shared.SetInt64(0)
	} else {
		old := r.braceKey
		r.braceKey = kdf(usageBraceStep, RootKeySize, old)
		wipe(old)
	}

	if r.ourECDH != nil {
		r.ourECDH.Wipe()
	}
	r.ourECDH = ecdh

	mixed := kdf(usageMixedKey, RootKeySize, r.ourECDH.Shared(r.theirECDH), r.braceKey)

	oldRoot, oldChain := r.rootKey, r.sendChain
	r.rootKey, r.sendChain = rootKdf(r.rootKey, mixed)
	wipe(oldRoot)
	wipe(oldChain)
	wipe(mixed)

	r.pn = r.j
	r.j = 0
	r.i = nextI
	r.next = Receiving
	r.started = true
	return nil
}

// rotateReceiving advances to the peer's new ratchet using the public keys
// of a received message. The caller runs this on a staging copy.
func (r *Ratchet) rotateReceiving(h Header) error {
	if r.i >= maxRotations {
		return ErrRotationLimit
	}

	if includesDH(h.I) {
		if h.DHPub == nil || !dh.Modp3072.IsGroupElement(h.DHPub) {
			return fmt.Errorf("doubleratchet: missing DH contribution")
		}
		shared := dh.Modp3072.Shared(r.ourDH.Priv, h.DHPub)
		r.braceKey = kdf(usageBraceFresh, RootKeySize, wire.MPIBytes(shared))
		shared.SetInt64(0)
		r.theirDH = h.DHPub
	} else {
		if h.DHPub != nil {
			return fmt.Errorf("doubleratchet: unexpected DH contribution")
		}
		r.braceKey = kdf(usageBraceStep, RootKeySize, r.braceKey)
	}

	r.theirECDH = h.ECDHPub

	mixed := kdf(usageMixedKey, RootKeySize, r.ourECDH.Shared(r.theirECDH), r.braceKey)
	r.rootKey, r.recvChain = rootKdf(r.rootKey, mixed)
	wipe(mixed)

	r.k = 0
	r.i = h.I
	r.next = Sending
	r.started = true
	return nil
}

// Seal advances the sending chain by one message, rotating first when it
// is our turn. The extra symmetric key base of the session follows the
// sending chain.
func (r *Ratchet) Seal() (*Sealed, error) {
	if r.next == Sending || r.sendChain == nil {
		if err := r.rotateSending(); err != nil {
			return nil, err
		}
	}

	var mk MessageKey
	r.extraKeyBase = kdf(usageExtraKey, ExtraKeySize, r.sendChain)
	oldChain := r.sendChain
	r.sendChain, mk = chainKdf(r.sendChain)
	wipe(oldChain)

	s := &Sealed{
		I:       r.i,
		J:       r.j,
		PN:      r.pn,
		ECDHPub: r.ourECDH.Pub,
		Keys:    mk,
		Reveals: r.reveals,
	}
	if includesDH(r.i) {
		// Every message of a DH-carrying ratchet repeats the public value
		// so late starters of the ratchet can still rotate.
		s.DHPub = r.ourDH.Pub
	}
	r.reveals = nil
	r.j++
	return s, nil
}

// storeSkipped caches one passed-over message key, evicting (and
// revealing) the eldest entries beyond capacity.
func (r *Ratchet) storeSkipped(id keyID, mk MessageKey) {
	r.skipped[id] = mk
	r.order = append(r.order, id)

	for len(r.order) > maxStoredKeys {
		eldest := r.order[0]
		r.order = r.order[1:]
		if old, ok := r.skipped[eldest]; ok {
			r.reveals = append(r.reveals, old.MAC[:]...)
			old.wipe()
			delete(r.skipped, eldest)
		}
	}
}

// advanceRecv moves the receiving chain to message index until, storing
// every passed key as skipped. Without a receiving chain there is nothing
// to skip over; that happens before the very first received rotation.
func (r *Ratchet) advanceRecv(until uint32) error {
	if r.recvChain == nil {
		return nil
	}
	if r.k+maxSkip < until {
		return ErrRotationLimit
	}
	for ; r.k < until; r.k++ {
		var mk MessageKey
		r.recvChain, mk = chainKdf(r.recvChain)
		r.storeSkipped(keyID{I: r.i, J: r.k}, mk)
	}
	return nil
}

// Open resolves the message key for a received header and runs authed with
// it; authed authenticates and decrypts. State advances only when authed
// returns nil, so forgeries leave no trace.
func (r *Ratchet) Open(h Header, authed func(mk *MessageKey) error) error {
	// A key stored for an out-of-order message is consumed regardless of
	// the current chain position.
	if mk, ok := r.skipped[keyID{I: h.I, J: h.J}]; ok {
		if err := authed(&mk); err != nil {
			return err
		}
		r.reveals = append(r.reveals, mk.MAC[:]...)
		mk.wipe()
		delete(r.skipped, keyID{I: h.I, J: h.J})
		return nil
	}

	switch {
	case h.I == r.i && r.recvChain != nil:
		if h.J < r.k {
			return ErrKeyUnavailable
		}

		// Stage the chain walk; commit only after authentication.
		tmp := r.stage()
		if err := tmp.advanceRecv(h.J); err != nil {
			return err
		}
		var mk MessageKey
		tmp.recvChain, mk = chainKdf(tmp.recvChain)
		tmp.k++
		if err := authed(&mk); err != nil {
			return err
		}
		tmp.reveals = append(tmp.reveals, mk.MAC[:]...)
		mk.wipe()
		r.commit(tmp)
		return nil

	case h.I == r.i+1 && (r.next == Receiving || !r.started):
		tmp := r.stage()
		if err := tmp.advanceRecv(h.PN); err != nil {
			return err
		}
		if err := tmp.rotateReceiving(h); err != nil {
			return err
		}
		if err := tmp.advanceRecv(h.J); err != nil {
			return err
		}
		var mk MessageKey
		tmp.recvChain, mk = chainKdf(tmp.recvChain)
		tmp.k++
		if err := authed(&mk); err != nil {
			return err
		}
		tmp.reveals = append(tmp.reveals, mk.MAC[:]...)
		mk.wipe()
		r.commit(tmp)
		return nil

	case h.I > r.i:
		return ErrDirection

	default:
		return ErrKeyUnavailable
	}
}

// stage returns a working copy with its own copy of the skipped-key map;
// staged skips land in the copy's own bookkeeping until commit.
func (r *Ratchet) stage() *Ratchet {
	tmp := *r
	tmp.rootKey = append([]byte(nil), r.rootKey...)
	tmp.recvChain = append([]byte(nil), r.recvChain...)
	tmp.braceKey = append([]byte(nil), r.braceKey...)
	tmp.skipped = make(map[keyID]MessageKey, len(r.skipped))
	for id, mk := range r.skipped {
		tmp.skipped[id] = mk
	}
	tmp.order = append([]keyID(nil), r.order...)
	tmp.reveals = append([]byte(nil), r.reveals...)
	return &tmp
}

func (r *Ratchet) commit(tmp *Ratchet) {
	wipe(r.rootKey)
	wipe(r.recvChain)
	wipe(r.braceKey)
	*r = *tmp
}

// TakeReveals drains the reveal set for attachment to an outbound message
// or the disconnect record.
func (r *Ratchet) TakeReveals() []byte {
	out := r.reveals
	r.reveals = nil
	return out
}

// ExtraKeyBase is the current extra symmetric key material, following the
// sending chain.
func (r *Ratchet) ExtraKeyBase() []byte {
	return append([]byte(nil), r.extraKeyBase...)
}

// Wipe destroys all key material.
func (r *Ratchet) Wipe() {
	wipe(r.rootKey)
	wipe(r.sendChain)
	wipe(r.recvChain)
	wipe(r.braceKey)
	wipe(r.extraKeyBase)
	wipe(r.reveals)
	r.rootKey, r.sendChain, r.recvChain, r.braceKey, r.extraKeyBase, r.reveals = nil, nil, nil, nil, nil, nil

	if r.ourECDH != nil {
		r.ourECDH.Wipe()
	}
	r.ourDH.Wipe()

	for id, mk := range r.skipped {
		mk.wipe()
		delete(r.skipped, id)
	}
	r.order = nil
}
