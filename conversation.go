// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package otr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/dsa"
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/xolotl/otr/ake"
	"github.com/xolotl/otr/dake"
	"github.com/xolotl/otr/doubleratchet"
	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/profile"
	"github.com/xolotl/otr/sesskeys"
	"github.com/xolotl/otr/smp"
	"github.com/xolotl/otr/tlv"
	"github.com/xolotl/otr/wire"
)

// Typed errors surfaced to the caller.
var (
	// ErrNotEncrypted rejects an operation requiring an encrypted
	// session.
	ErrNotEncrypted = errors.New("otr: session is not encrypted")

	// ErrFinished rejects sending into a session the peer already ended.
	ErrFinished = errors.New("otr: session is finished; refresh it to continue")
)

// msgState is the tagged messaging state of one conversation instance.
// Transitions build a new variant and wipe the old one's key material.
type msgState interface {
	status() SessionStatus
	wipeState()
}

type statePlaintext struct{}

func (statePlaintext) status() SessionStatus { return StatusPlaintext }
func (statePlaintext) wipeState()            {}

type stateFinished struct{}

func (stateFinished) status() SessionStatus { return StatusFinished }
func (stateFinished) wipeState()            {}

type stateEncrypted3 struct {
	window   *sesskeys.Window
	ssid     [8]byte
	theirDSA *dsa.PublicKey
	smp      *smp.ModP
}

func (*stateEncrypted3) status() SessionStatus { return StatusEncrypted }
func (st *stateEncrypted3) wipeState()         { st.window.Wipe() }

type stateEncrypted4 struct {
	ratchet      *doubleratchet.Ratchet
	ssid         [8]byte
	theirProfile *profile.Profile
	smp          *smp.Ed448
}

func (*stateEncrypted4) status() SessionStatus { return StatusEncrypted }
func (st *stateEncrypted4) wipeState()         { st.ratchet.Wipe() }

// smpRunner is the shared surface of the two group implementations.
type smpRunner interface {
	Receive(tlv.TLV) (smp.Update, error)
	Respond(answer []byte) (tlv.TLV, error)
	Start(question string, answer []byte) (tlv.TLV, error)
	Abort() tlv.TLV
	InProgress() bool
}

// conversation is the per-instance state under one session: the messaging
// state and the key exchange sub-states it observes. The master session's
// conversation carries instance tag zero.
type conversation struct {
	s *Session

	theirTag uint32
	version  Version

	akeState  ake.State
	dakeState dake.State

	msg msgState

	// lastExtraKey is the extra key material of the most recently
	// processed inbound version 4 message, consumed by TLV handling.
	lastExtraKey []byte
}

func newConversation(s *Session, theirTag uint32) *conversation {
	return &conversation{
		s:         s,
		theirTag:  theirTag,
		akeState:  ake.StateInitial{},
		dakeState: dake.StateInitial{},
		msg:       statePlaintext{},
	}
}

func (c *conversation) status() SessionStatus {
	return c.msg.status()
}

func (c *conversation) event(ev Event) {
	c.s.host.OnEvent(c.s.id, c.theirTag, ev)
}

func (c *conversation) akeContext() *ake.Context {
	return &ake.Context{
		Version:  uint16(c.version),
		Rand:     c.s.rand,
		Clock:    c.s.clock,
		LocalKey: c.s.host.LocalKeyPair(c.s.id),
	}
}

func (c *conversation) dakeContext() *dake.Context {
	return &dake.Context{
		Rand:         c.s.rand,
		Clock:        c.s.clock,
		OurTag:       c.s.ourTag,
		TheirTag:     c.theirTag,
		OurAccount:   c.s.id.Account,
		TheirAccount: c.s.id.Peer,
		OurProfile:   c.s.profile,
		LongTerm:     c.s.longTerm,
	}
}

// startHandshake opens the key exchange of the given version, as the party
// that just learned the peer's capabilities from a query, whitespace tag
// or error message.
func (c *conversation) startHandshake(v Version) error {
	c.version = v

	if v == VersionFour {
		msg, next, err := dake.Start(c.dakeContext())
		if err != nil {
			return err
		}
		c.dakeState = next
		return c.s.send(c, msg)
	}

	msg, next, err := ake.Start(c.akeContext())
	if err != nil {
		return err
	}
	c.akeState = next
	return c.s.send(c, msg)
}

// handleEncoded routes one decoded message into the matching sub-state
// machine. Routing and policy gating already happened in the session.
func (c *conversation) handleEncoded(h wire.Header, body wire.Body, rcv *Received) error {
	switch m := body.(type) {
	case *wire.DHCommit:
		c.version = Version(h.Version)
		reply, next, err := ake.ProcessDHCommit(c.akeContext(), c.akeState, m)
		if err != nil {
			return err
		}
		c.akeState = next
		return c.s.send(c, reply)

	case *wire.DHKey:
		reply, next, err := ake.ProcessDHKey(c.akeContext(), c.akeState, m)
		if errors.Is(err, ake.ErrIgnore) {
			rcv.Rejected = true
			return nil
		}
		if err != nil {
			return err
		}
		c.akeState = next
		return c.s.send(c, reply)

	case *wire.RevealSig:
		reply, res, err := ake.ProcessRevealSig(c.akeContext(), c.akeState, m)
		if errors.Is(err, ake.ErrIgnore) {
			rcv.Rejected = true
			return nil
		}
		if err != nil {
			return err
		}
		c.akeState = ake.StateInitial{At: c.s.clock()}
		if err := c.s.send(c, reply); err != nil {
			return err
		}
		c.enterEncrypted3(res, rcv)
		return nil

	case *wire.Sig:
		res, err := ake.ProcessSig(c.akeContext(), c.akeState, m)
		if errors.Is(err, ake.ErrIgnore) {
			rcv.Rejected = true
			return nil
		}
		if err != nil {
			return err
		}
		c.akeState = ake.StateInitial{At: c.s.clock()}
		c.enterEncrypted3(res, rcv)
		return nil

	case *wire.Identity:
		// An Identity message restarts the exchange from any messaging
		// state, including FINISHED.
		c.version = VersionFour
		reply, next, err := dake.ProcessIdentity(c.dakeContext(), m)
		if err != nil {
			return err
		}
		c.dakeState = next
		return c.s.send(c, reply)

	case *wire.AuthR:
		reply, res, err := dake.ProcessAuthR(c.dakeContext(), c.dakeState, m)
		if errors.Is(err, dake.ErrIgnore) {
			rcv.Rejected = true
			return nil
		}
		if err != nil {
			return err
		}
		c.dakeState = dake.StateInitial{At: c.s.clock()}
		if err := c.s.send(c, reply); err != nil {
			return err
		}
		c.enterEncrypted4(res, rcv)
		return nil

	case *wire.AuthI:
		res, err := dake.ProcessAuthI(c.dakeContext(), c.dakeState, m)
		if errors.Is(err, dake.ErrIgnore) {
			rcv.Rejected = true
			return nil
		}
		if err != nil {
			return err
		}
		c.dakeState = dake.StateInitial{At: c.s.clock()}
		c.enterEncrypted4(res, rcv)
		return nil

	case *wire.Data:
		return c.receiveData3(h, m, rcv)

	case *wire.Data4:
		return c.receiveData4(h, m, rcv)

	default:
		return fmt.Errorf("otr: unhandled message type %#x", h.Type)
	}
}

func (c *conversation) enterEncrypted3(res *ake.Result, rcv *Received) {
	c.msg.wipeState()

	window, err := sesskeys.New(c.s.rand, res.OurKeyPair, res.TheirPub)
	if err != nil {
		// Key generation failing means the entropy source is gone;
		// leave the state unencrypted.
		c.msg = statePlaintext{}
		return
	}

	ourFpr := dsaFingerprint(&c.s.host.LocalKeyPair(c.s.id).PublicKey)
	theirFpr := dsaFingerprint(res.TheirDSAKey)

	c.version = Version(res.Version)
	c.msg = &stateEncrypted3{
		window:   window,
		ssid:     res.SSID,
		theirDSA: res.TheirDSAKey,
		smp:      smp.NewModP(c.s.rand, res.SSID, ourFpr, theirFpr),
	}
	if rcv != nil {
		rcv.Status = StatusEncrypted
	}
}

func (c *conversation) enterEncrypted4(res *dake.Result, rcv *Received) {
	c.msg.wipeState()

	cfg := res.Ratchet
	cfg.Rand = c.s.rand

	ourFpr := ed448.Fingerprint(c.s.longTerm.Pub)
	theirFpr := ed448.Fingerprint(res.TheirProfile.LongTerm)

	c.version = VersionFour
	c.msg = &stateEncrypted4{
		ratchet:      doubleratchet.New(cfg),
		ssid:         res.SSID,
		theirProfile: res.TheirProfile,
		smp:          smp.NewEd448(c.s.rand, res.SSID, ourFpr, theirFpr),
	}
	if rcv != nil {
		rcv.Status = StatusEncrypted
	}
}

// dsaFingerprint is the version 2/3 public key fingerprint: SHA-1 over the
// key's parameter encoding.
func dsaFingerprint(pub *dsa.PublicKey) []byte {
	b := wire.AppendMPI(nil, pub.P)
	b = wire.AppendMPI(b, pub.Q)
	b = wire.AppendMPI(b, pub.G)
	b = wire.AppendMPI(b, pub.Y)
	sum := sha1.Sum(b)
	return sum[:]
}

// dataCrypt is the data message cipher: AES-CTR with the transmitted
// counter as the top half of the block counter.
func dataCrypt(key []byte, ctr [wire.CtrSize]byte, data []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic("otr: " + err.Error())
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, ctr[:])
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out
}

// data3MACInput is the pre-MAC composite of a version 3 data message: the
// header and every body field up to and including the ciphertext.
func data3MACInput(h wire.Header, m *wire.Data) []byte {
	b := h.Bytes()
	b = append(b, m.Flags)
	b = wire.AppendInt(b, m.SenderKeyID)
	b = wire.AppendInt(b, m.RecipientKeyID)
	b = wire.AppendMPI(b, m.NextDH)
	b = append(b, m.Ctr[:]...)
	return wire.AppendData(b, m.Encrypted)
}

// data4AuthInput is the authenticated composite of a version 4 data
// message.
func data4AuthInput(h wire.Header, m *wire.Data4) []byte {
	b := h.Bytes()
	b = append(b, m.Flags)
	b = wire.AppendInt(b, m.PN)
	b = wire.AppendInt(b, m.RatchetID)
	b = wire.AppendInt(b, m.MessageID)
	b = append(b, m.ECDHPub...)
	b = wire.AppendMPI(b, m.DHPub)
	return wire.AppendData(b, m.Encrypted)
}

// sendData encrypts and sends one payload in the conversation's version.
func (c *conversation) sendData(payload []byte, flags byte) error {
	switch st := c.msg.(type) {
	case *stateEncrypted3:
		return c.sendData3(st, payload, flags)
	case *stateEncrypted4:
		return c.sendData4(st, payload, flags)
	case stateFinished:
		return ErrFinished
	default:
		return ErrNotEncrypted
	}
}

func (c *conversation) sendData3(st *stateEncrypted3, payload []byte, flags byte) error {
	out := st.window.NextOutbound()

	m := &wire.Data{
		Flags:          flags,
		SenderKeyID:    out.SenderKeyID,
		RecipientKeyID: out.RecipientKeyID,
		NextDH:         out.NextDH,
		Ctr:            out.Ctr,
		Encrypted:      dataCrypt(out.AESKey[:], out.Ctr, payload),
		OldMACKeys:     out.RevealedMACs,
	}

	h := c.s.headerFor(c)
	h.Type = m.MsgType()
	mac := hmac.New(sha1.New, out.MACKey[:])
	mac.Write(data3MACInput(h, m))
	m.MAC = mac.Sum(nil)

	return c.s.send(c, m)
}

func (c *conversation) sendData4(st *stateEncrypted4, payload []byte, flags byte) error {
	sealed, err := st.ratchet.Seal()
	if err != nil {
		return err
	}

	m := &wire.Data4{
		Flags:        flags,
		PN:           sealed.PN,
		RatchetID:    sealed.I,
		MessageID:    sealed.J,
		ECDHPub:      sealed.ECDHPub.Bytes(),
		DHPub:        sealed.DHPub,
		Encrypted:    doubleratchet.Encrypt(&sealed.Keys, payload),
		RevealedMACs: sealed.Reveals,
	}

	h := c.s.headerFor(c)
	h.Type = m.MsgType()
	m.Auth = doubleratchet.Authenticate(&sealed.Keys, data4AuthInput(h, m))

	return c.s.send(c, m)
}

func (c *conversation) receiveData3(h wire.Header, m *wire.Data, rcv *Received) error {
	st3, ok := c.msg.(*stateEncrypted3)
	if !ok {
		return c.unreadable(m.Flags, rcv)
	}

	keys, err := st3.window.ReceivingKeys(m.SenderKeyID, m.RecipientKeyID)
	if err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	mac := hmac.New(sha1.New, keys.RecvMAC[:])
	mac.Write(data3MACInput(h, m))
	if !hmac.Equal(mac.Sum(nil), m.MAC) {
		return c.unreadable(m.Flags, rcv)
	}
	if err := st3.window.VerifyCtr(m.SenderKeyID, m.RecipientKeyID, m.Ctr); err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	payload := dataCrypt(keys.RecvAES[:], m.Ctr, m.Encrypted)
	if err := st3.window.Commit(m.SenderKeyID, m.RecipientKeyID, m.Ctr, m.NextDH); err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	text, records, err := tlv.Unpack(payload)
	if err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	rcv.Confidential = true
	rcv.Content = string(text)
	return c.processTLVs3(st3, m, records, rcv)
}

func (c *conversation) receiveData4(h wire.Header, m *wire.Data4, rcv *Received) error {
	st, ok := c.msg.(*stateEncrypted4)
	if !ok {
		return c.unreadable(m.Flags, rcv)
	}

	ecdhPub, err := ed448.PointFromBytes(m.ECDHPub)
	if err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	hdr := doubleratchet.Header{
		I:       m.RatchetID,
		J:       m.MessageID,
		PN:      m.PN,
		ECDHPub: ecdhPub,
		DHPub:   m.DHPub,
	}

	input := data4AuthInput(h, m)

	var payload []byte
	err = st.ratchet.Open(hdr, func(mk *doubleratchet.MessageKey) error {
		if !doubleratchet.VerifyAuth(mk, input, m.Auth) {
			return doubleratchet.ErrAuthFailed
		}
		payload = doubleratchet.Encrypt(mk, m.Encrypted)
		c.lastExtraKey = append(c.lastExtraKey[:0], mk.Extra[:]...)
		return nil
	})
	if err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	text, records, err := tlv.Unpack(payload)
	if err != nil {
		return c.unreadable(m.Flags, rcv)
	}

	rcv.Confidential = true
	rcv.Content = string(text)
	return c.processTLVs4(st, records, rcv)
}

// unreadable handles a data message that could not be processed: unless
// the sender flagged it ignorable, notify the host and answer with an
// error message carrying the host's localized reply.
func (c *conversation) unreadable(flags byte, rcv *Received) error {
	rcv.Rejected = true
	if flags&wire.FlagIgnoreUnreadable != 0 {
		return nil
	}
	c.event(Event{Kind: EventUnreadableMessage})
	if reply := c.s.host.ReplyForUnreadableMessage(c.s.id, "unreadable"); reply != "" {
		c.s.host.InjectMessage(c.s.id, wire.BuildError(reply))
	}
	return nil
}

func (c *conversation) processTLVs3(st *stateEncrypted3, m *wire.Data, records []tlv.TLV, rcv *Received) error {
	for _, t := range records {
		switch {
		case t.Type == tlv.TypePadding:

		case t.Type == tlv.TypeDisconnect:
			c.finish()
			rcv.Status = StatusFinished
			return nil

		case t.IsSMP(true):
			if err := c.handleSMPTLV(st.smp, t, dsaFingerprint(st.theirDSA), 0); err != nil {
				return err
			}

		case t.Type == tlv.TypeExtraSymKey:
			key, err := st.window.ExtraKeyFor(m.SenderKeyID, m.RecipientKeyID)
			if err == nil {
				c.event(Event{Kind: EventExtraSymmetricKey, ExtraKey: key[:], Text: string(t.Value)})
			}
		}
	}
	return nil
}

func (c *conversation) processTLVs4(st *stateEncrypted4, records []tlv.TLV, rcv *Received) error {
	for _, t := range records {
		switch {
		case t.Type == tlv.TypePadding:

		case t.Type == tlv.TypeDisconnect:
			c.finish()
			rcv.Status = StatusFinished
			return nil

		case t.IsSMP(false):
			theirFpr := ed448.Fingerprint(st.theirProfile.LongTerm)
			if err := c.handleSMPTLV(st.smp, t, theirFpr, wire.FlagIgnoreUnreadable); err != nil {
				return err
			}

		case t.Type == tlv.TypeExtraSymKeyV4:
			// Version 4 derives a per-use key from the message's extra
			// key material and the request's context bytes.
			key := deriveExtraKey(c.lastExtraKey, t.Value)
			c.event(Event{Kind: EventExtraSymmetricKey, ExtraKey: key, Text: string(t.Value)})
		}
	}
	return nil
}

// handleSMPTLV feeds one SMP record into the exchange and acts on the
// outcome. sendFlags carries the ignore-unreadable flag for version 4.
func (c *conversation) handleSMPTLV(run smpRunner, t tlv.TLV, theirFpr []byte, sendFlags byte) error {
	upd, err := run.Receive(t)
	if err != nil {
		// Protocol violation: abort loudly on both ends.
		abort := run.Abort()
		c.event(Event{Kind: EventSMPAborted, AbortReason: SMPAbortViolation})
		return c.sendData(tlv.Pack(nil, []tlv.TLV{abort}), sendFlags)
	}

	switch upd.Status {
	case smp.StatusAwaitingAnswer:
		c.event(Event{Kind: EventSMPRequestSecret, Text: upd.Question})

	case smp.StatusCompleted:
		c.event(Event{Kind: EventSMPCompleted, SMP: SMPResult{Verified: upd.Verified, Fingerprint: theirFpr}})

	case smp.StatusAborted:
		c.event(Event{Kind: EventSMPAborted, AbortReason: SMPAbortInterruption})
	}

	if upd.Reply != nil {
		return c.sendData(tlv.Pack(nil, []tlv.TLV{*upd.Reply}), sendFlags)
	}
	return nil
}

// smpState returns the running exchange of the encrypted state, or nil.
func (c *conversation) smpState() smpRunner {
	switch st := c.msg.(type) {
	case *stateEncrypted3:
		return st.smp
	case *stateEncrypted4:
		return st.smp
	}
	return nil
}

// smpSendFlags is the flag byte SMP records travel under.
func (c *conversation) smpSendFlags() byte {
	if _, ok := c.msg.(*stateEncrypted4); ok {
		return wire.FlagIgnoreUnreadable
	}
	return 0
}

// finish reacts to the peer ending the session: wipe keys, enter FINISHED,
// tell the host.
func (c *conversation) finish() {
	c.msg.wipeState()
	c.msg = stateFinished{}
	c.event(Event{Kind: EventSessionFinished})
}

// end closes the conversation from our side: send the disconnect record
// with the pending MAC reveals attached, wipe keys, return to PLAINTEXT.
func (c *conversation) end() error {
	disconnect := tlv.Pack(nil, []tlv.TLV{{Type: tlv.TypeDisconnect}})

	var err error
	switch st := c.msg.(type) {
	case *stateEncrypted3:
		err = c.sendData3(st, disconnect, 0)
	case *stateEncrypted4:
		err = c.sendData4(st, disconnect, wire.FlagIgnoreUnreadable)
	default:
		c.msg = statePlaintext{}
		return nil
	}

	c.msg.wipeState()
	c.msg = statePlaintext{}
	return err
}
