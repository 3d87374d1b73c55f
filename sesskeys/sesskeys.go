// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sesskeys manages the version 3 session key window: a matrix
// over our previous/current/announced next DH key pairs and the peer's
// previous/current public values. Every cell derives its AES and MAC keys from the cell's
// DH shared secret; the sending counter only ever grows; retired receiving
// MAC keys that authenticated at least one message are queued for public
// reveal on the next outbound message.
package sesskeys

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/xolotl/otr/dh"
	"github.com/xolotl/otr/wire"
)

// ErrStaleCounter rejects a data message whose counter does not strictly
// exceed the last accepted one under the same cell.
var ErrStaleCounter = errors.New("sesskeys: counter did not advance")

// ErrUnknownKeyID rejects a data message citing key ids outside the
// window.
var ErrUnknownKeyID = errors.New("sesskeys: key id outside window")

// Keys is the derived material of one window cell.
type Keys struct {
	SendAES [16]byte
	SendMAC [20]byte
	RecvAES [16]byte
	RecvMAC [20]byte
}

// Window is the rotating key state of one encrypted version 3 session.
type Window struct {
	rand io.Reader

	ourPrev dh.KeyPair
	ourCurr dh.KeyPair
	ourNext dh.KeyPair
	ourID   uint32

	theirPrev *big.Int
	theirCurr *big.Int
	theirID   uint32

	sendCtr uint64
	recvCtr map[[2]uint32]uint64

	// usedRecvMAC tracks receiving MAC keys that authenticated a message,
	// keyed by cell; retirement moves them to the reveal queue.
	usedRecvMAC map[[2]uint32][20]byte
	reveals     []byte
}

// New builds the window right after the key exchange, where both parties
// hold one key pair each with key id 1.
func New(rnd io.Reader, ourPair dh.KeyPair, theirPub *big.Int) (*Window, error) {
	next, err := dh.Modp1536.GenerateKeyPair(rnd)
	if err != nil {
		return nil, err
	}
	return &Window{
		rand:        rnd,
		ourCurr:     ourPair,
		ourNext:     next,
		ourID:       1,
		theirCurr:   theirPub,
		theirID:     1,
		recvCtr:     make(map[[2]uint32]uint64),
		usedRecvMAC: make(map[[2]uint32][20]byte),
	}, nil
}

// deriveCell computes the directional keys between one of our key pairs
// and one of the peer's public values.
func deriveCell(ourPair dh.KeyPair, theirPub *big.Int) Keys {
	s := dh.Modp1536.Shared(ourPair.Priv, theirPub)
	secbytes := wire.MPIBytes(s)

	sendByte, recvByte := byte(0x01), byte(0x02)
	if ourPair.Pub.Cmp(theirPub) < 0 {
		sendByte, recvByte = recvByte, sendByte
	}

	var k Keys
	send := h1(sendByte, secbytes)
	copy(k.SendAES[:], send[:16])
	sm := sha1.Sum(k.SendAES[:])
	copy(k.SendMAC[:], sm[:])

	recv := h1(recvByte, secbytes)
	copy(k.RecvAES[:], recv[:16])
	rm := sha1.Sum(k.RecvAES[:])
	copy(k.RecvMAC[:], rm[:])

	s.SetInt64(0)
	return k
}

func h1(b byte, secbytes []byte) [sha1.Size]byte {
	h := sha1.New()
	h.Write([]byte{b})
	h.Write(secbytes)
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Outbound is everything a data message needs from the window.
type Outbound struct {
	SenderKeyID    uint32
	RecipientKeyID uint32
	NextDH         *big.Int
	Ctr            [wire.CtrSize]byte
	AESKey         [16]byte
	MACKey         [20]byte
	RevealedMACs   []byte
}

// NextOutbound advances the sending counter and hands out the current
// sending cell, draining the reveal queue into the message.
func (w *Window) NextOutbound() Outbound {
	w.sendCtr++

	k := deriveCell(w.ourCurr, w.theirCurr)
	out := Outbound{
		SenderKeyID:    w.ourID,
		RecipientKeyID: w.theirID,
		NextDH:         w.ourNext.Pub,
		AESKey:         k.SendAES,
		MACKey:         k.SendMAC,
		RevealedMACs:   w.reveals,
	}
	binary.BigEndian.PutUint64(out.Ctr[:], w.sendCtr)
	w.reveals = nil
	return out
}

// DrainReveals empties the reveal queue, for the disconnect TLV at session
// end.
func (w *Window) DrainReveals() []byte {
	r := w.reveals
	w.reveals = nil
	return r
}

func (w *Window) ourPairFor(id uint32) (dh.KeyPair, bool) {
	switch {
	case id == w.ourID:
		return w.ourCurr, true
	case id == w.ourID+1:
		return w.ourNext, true
	case id == w.ourID-1 && w.ourPrev.Pub != nil:
		return w.ourPrev, true
	}
	return dh.KeyPair{}, false
}

func (w *Window) theirPubFor(id uint32) (*big.Int, bool) {
	switch {
	case id == w.theirID:
		return w.theirCurr, true
	case id == w.theirID-1 && w.theirPrev != nil:
		return w.theirPrev, true
	}
	return nil, false
}

// ReceivingKeys resolves the cell a received data message was built under.
// Nothing is committed yet; the caller verifies the MAC first.
func (w *Window) ReceivingKeys(senderKeyID, recipientKeyID uint32) (Keys, error) {
	ourPair, ok := w.ourPairFor(recipientKeyID)
	if !ok {
		return Keys{}, ErrUnknownKeyID
	}
	theirPub, ok := w.theirPubFor(senderKeyID)
	if !ok {
		return Keys{}, ErrUnknownKeyID
	}
	return deriveCell(ourPair, theirPub), nil
}

// VerifyCtr checks the received counter against the cell's watermark
// without advancing it.
func (w *Window) VerifyCtr(senderKeyID, recipientKeyID uint32, ctr [wire.CtrSize]byte) error {
	v := binary.BigEndian.Uint64(ctr[:])
	if v <= w.recvCtr[[2]uint32{senderKeyID, recipientKeyID}] {
		return ErrStaleCounter
	}
	return nil
}

// Commit records a successfully authenticated and decrypted message:
// advance the counter watermark, mark the receiving MAC key used, learn the
// peer's announced next key, and rotate both window halves as far as the
// message proves the peer has caught up.
func (w *Window) Commit(senderKeyID, recipientKeyID uint32, ctr [wire.CtrSize]byte, nextDH *big.Int) error {
	cell := [2]uint32{senderKeyID, recipientKeyID}
	v := binary.BigEndian.Uint64(ctr[:])
	if v <= w.recvCtr[cell] {
		return ErrStaleCounter
	}
	w.recvCtr[cell] = v

	k, err := w.ReceivingKeys(senderKeyID, recipientKeyID)
	if err != nil {
		return err
	}
	w.usedRecvMAC[cell] = k.RecvMAC

	// Remote rotation: the peer announced a fresh key on top of its
	// current one.
	if senderKeyID == w.theirID && nextDH != nil && nextDH.Cmp(w.theirCurr) != 0 {
		if !dh.Modp1536.IsGroupElement(nextDH) {
			return fmt.Errorf("sesskeys: next key outside the group")
		}
		w.retireTheir(w.theirID - 1)
		w.theirPrev = w.theirCurr
		w.theirCurr = nextDH
		w.theirID++
	}

	// Local rotation: the peer addressed our announced next key, so the
	// current pair retires.
	if recipientKeyID == w.ourID+1 {
		w.retireOur(w.ourID - 1)
		next, err := dh.Modp1536.GenerateKeyPair(w.rand)
		if err != nil {
			return err
		}
		w.ourPrev.Wipe()
		w.ourPrev = w.ourCurr
		w.ourCurr = w.ourNext
		w.ourNext = next
		w.ourID++
	}

	return nil
}

// retireTheir queues the used receiving MAC keys of every cell built on
// the peer key id that slides out of the window.
func (w *Window) retireTheir(theirKeyID uint32) {
	for cell, mac := range w.usedRecvMAC {
		if cell[0] == theirKeyID {
			w.reveals = append(w.reveals, mac[:]...)
			delete(w.usedRecvMAC, cell)
			delete(w.recvCtr, cell)
		}
	}
}

func (w *Window) retireOur(ourKeyID uint32) {
	for cell, mac := range w.usedRecvMAC {
		if cell[1] == ourKeyID {
			w.reveals = append(w.reveals, mac[:]...)
			delete(w.usedRecvMAC, cell)
			delete(w.recvCtr, cell)
		}
	}
}

// ExtraKey derives the additional symmetric key of the current sending
// cell, handed to the host on TLV request.
func (w *Window) ExtraKey() [32]byte {
	return extraKey(w.ourCurr, w.theirCurr)
}

// ExtraKeyFor derives the additional symmetric key of the cell a received
// message named.
func (w *Window) ExtraKeyFor(senderKeyID, recipientKeyID uint32) ([32]byte, error) {
	ourPair, ok := w.ourPairFor(recipientKeyID)
	if !ok {
		return [32]byte{}, ErrUnknownKeyID
	}
	theirPub, ok := w.theirPubFor(senderKeyID)
	if !ok {
		return [32]byte{}, ErrUnknownKeyID
	}
	return extraKey(ourPair, theirPub), nil
}

func extraKey(ourPair dh.KeyPair, theirPub *big.Int) [32]byte {
	s := dh.Modp1536.Shared(ourPair.Priv, theirPub)
	secbytes := wire.MPIBytes(s)

	h := sha256.New()
	h.Write([]byte{0xff})
	h.Write(secbytes)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	s.SetInt64(0)
	return out
}

// Wipe destroys all key material held by the window.
func (w *Window) Wipe() {
	w.ourPrev.Wipe()
	w.ourCurr.Wipe()
	w.ourNext.Wipe()
	for cell := range w.usedRecvMAC {
		delete(w.usedRecvMAC, cell)
	}
	for i := range w.reveals {
		w.reveals[i] = 0
	}
	w.reveals = nil
	w.theirPrev, w.theirCurr = nil, nil
}
