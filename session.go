// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package otr

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/profile"
	"github.com/xolotl/otr/tlv"
	"github.com/xolotl/otr/wire"
)

// Received is the outcome of feeding one transport string into the
// session.
type Received struct {
	// Tag is the peer instance the message belonged to, zero before the
	// peer's tag is known.
	Tag uint32

	// Status is the messaging state of that instance afterwards.
	Status SessionStatus

	// Rejected marks a message that was dropped.
	Rejected bool

	// Confidential marks content that arrived through an encrypted
	// channel.
	Confidential bool

	// Content is the user-visible text, empty for internal messages.
	Content string
}

// RemoteInfo describes the peer of an encrypted instance.
type RemoteInfo struct {
	Version     Version
	Fingerprint []byte
	SSID        [8]byte
}

// Session is the per-peer protocol engine: one master instance routing
// inbound traffic plus one slave instance per observed peer client. All
// public methods serialize on one lock; host callbacks run under it and
// must not reenter.
type Session struct {
	mu sync.Mutex

	id   SessionID
	host Host

	rand  io.Reader
	clock func() time.Time

	ourTag  uint32
	profile *profile.Profile

	longTerm *ed448.KeyPair
	forging  *ed448.KeyPair

	master *conversation
	slaves map[uint32]*conversation

	// outgoingTag selects the slave TransformSending addresses once
	// several peer instances exist.
	outgoingTag uint32

	assembler *wire.Assembler
	unordered *wire.UnorderedAssembler

	// outbox redirects send into TransformSending's return value while
	// non-nil; protocol-generated traffic is injected directly.
	outbox *[]string
}

// NewSession builds the engine for one peer. The client profile is
// restored from the host's blob or freshly issued and published.
func NewSession(id SessionID, host Host) (*Session, error) {
	s := &Session{
		id:        id,
		host:      host,
		rand:      rand.Reader,
		clock:     time.Now,
		slaves:    make(map[uint32]*conversation),
		assembler: wire.NewAssembler(),
		unordered: wire.NewUnorderedAssembler(),
	}

	if err := s.setupProfile(); err != nil {
		return nil, err
	}

	s.master = newConversation(s, 0)
	return s, nil
}

// setupProfile restores or issues the client profile and with it our
// instance tag.
func (s *Session) setupProfile() error {
	policy := s.host.SessionPolicy(s.id)

	if !policy.has(AllowV4) {
		// No profile without version 4; the tag still identifies this
		// client within version 3 traffic.
		tag, err := newInstanceTag(s.rand)
		if err != nil {
			return err
		}
		s.ourTag = tag
		return nil
	}

	s.longTerm = s.host.LongTermKeyPair(s.id)
	s.forging = s.host.ForgingKeyPair(s.id)
	if s.longTerm == nil || s.forging == nil {
		return errors.New("otr: host supplied no version 4 key pairs")
	}

	now := s.clock()

	if blob := s.host.RestoreClientProfilePayload(); len(blob) > 0 {
		p, err := profile.Decode(blob)
		if err == nil && p.Validate(now) == nil && !p.NeedsRefresh(now) &&
			ed448.Equal(p.LongTerm, s.longTerm.Pub) && ed448.Equal(p.Forging, s.forging.Pub) {
			s.profile = p
			s.ourTag = p.InstanceTag
			return nil
		}
		if err == nil && p.InstanceTag >= profile.MinInstanceTag {
			// Keep the established tag across refreshes.
			s.ourTag = p.InstanceTag
		}
	}

	if s.ourTag == 0 {
		tag, err := newInstanceTag(s.rand)
		if err != nil {
			return err
		}
		s.ourTag = tag
	}

	p, err := profile.New(s.rand, s.ourTag, s.longTerm, s.forging,
		s.host.SessionPolicy(s.id).versionString(), s.host.LocalKeyPair(s.id))
	if err != nil {
		return fmt.Errorf("otr: issuing client profile: %w", err)
	}
	s.profile = p
	s.host.UpdateClientProfilePayload(p.Encode())
	return nil
}

func newInstanceTag(rnd io.Reader) (uint32, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(rnd, buf[:]); err != nil {
			return 0, err
		}
		if tag := binary.BigEndian.Uint32(buf[:]); tag >= profile.MinInstanceTag {
			return tag, nil
		}
	}
}

func (s *Session) policy() Policy {
	return s.host.SessionPolicy(s.id)
}

// headerFor builds the wire header addressing one conversation.
func (s *Session) headerFor(c *conversation) wire.Header {
	return wire.Header{
		Version:     uint16(c.version),
		SenderTag:   s.ourTag,
		ReceiverTag: c.theirTag,
	}
}

// send encodes, fragments and emits one protocol message. While an outbox
// is installed the fragments are collected for the caller, otherwise they
// are injected into the transport.
func (s *Session) send(c *conversation, body wire.Body) error {
	msg := wire.Encode(s.headerFor(c), body)

	maxSize := int(s.host.MaxFragmentSize(s.id))
	if uint32(maxSize) == math.MaxUint32 {
		maxSize = 0
	}

	var identifier uint32
	if c.version == VersionFour {
		var buf [4]byte
		if _, err := io.ReadFull(s.rand, buf[:]); err != nil {
			return err
		}
		identifier = binary.BigEndian.Uint32(buf[:])
	}

	frags, err := wire.Split(msg, uint16(c.version), identifier, s.ourTag, c.theirTag, maxSize)
	if err != nil {
		return err
	}

	for _, f := range frags {
		if s.outbox != nil {
			*s.outbox = append(*s.outbox, f)
		} else {
			s.host.InjectMessage(s.id, f)
		}
	}
	return nil
}

// Start opens the conversation by sending a query message advertising the
// permitted versions.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshProfile()

	versions := s.policy().versions()
	if len(versions) == 0 {
		return errors.New("otr: policy permits no protocol version")
	}
	s.host.InjectMessage(s.id, wire.BuildQuery(versions, s.host.FallbackMessage(s.id)))
	return nil
}

// refreshProfile reissues the client profile when it nears expiry.
func (s *Session) refreshProfile() {
	if s.profile == nil || !s.profile.NeedsRefresh(s.clock()) {
		return
	}
	p, err := profile.New(s.rand, s.ourTag, s.longTerm, s.forging,
		s.policy().versionString(), s.host.LocalKeyPair(s.id))
	if err != nil {
		return
	}
	s.profile = p
	s.host.UpdateClientProfilePayload(p.Encode())
}

// End closes every encrypted instance from our side, sending disconnect
// records with the pending MAC reveals attached.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endAll(func(*conversation) bool { return true })
}

// Expire ends the session on key lifetime grounds: version 4 instances
// send their disconnect with the remaining MAC reveals, other instances
// are untouched.
func (s *Session) Expire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endAll(func(c *conversation) bool {
		_, ok := c.msg.(*stateEncrypted4)
		return ok
	})
}

func (s *Session) endAll(want func(*conversation) bool) error {
	var firstErr error
	for _, c := range s.conversations() {
		if !want(c) {
			continue
		}
		if err := c.end(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Refresh ends the session and immediately offers a new one.
func (s *Session) Refresh() error {
	if err := s.End(); err != nil {
		return err
	}
	return s.Start()
}

func (s *Session) conversations() []*conversation {
	out := []*conversation{s.master}
	for _, c := range s.slaves {
		out = append(out, c)
	}
	return out
}

// outgoing is the conversation TransformSending and the SMP operations
// address: the selected slave, else the only slave, else the only
// encrypted slave, the master otherwise.
func (s *Session) outgoing() *conversation {
	if c, ok := s.slaves[s.outgoingTag]; ok {
		return c
	}
	if len(s.slaves) == 1 {
		for _, c := range s.slaves {
			return c
		}
	}
	var enc *conversation
	for _, c := range s.slaves {
		if c.status() == StatusEncrypted {
			if enc != nil {
				// Several candidates and no explicit choice: stick with
				// the master's plaintext path.
				return s.master
			}
			enc = c
		}
	}
	if enc != nil {
		return enc
	}
	return s.master
}

// SetOutgoingInstance pins outbound traffic to one peer instance.
func (s *Session) SetOutgoingInstance(tag uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slaves[tag]; !ok {
		return fmt.Errorf("otr: unknown instance %#x", tag)
	}
	s.outgoingTag = tag
	return nil
}

// TransformSending turns one outgoing user message into the transport
// strings to deliver. Policy may withhold the message entirely, notifying
// the host instead.
func (s *Session) TransformSending(text string, records ...tlv.TLV) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.outgoing()

	switch c.msg.(type) {
	case statePlaintext:
		policy := s.policy()
		if policy.has(RequireEncryption) {
			c.event(Event{Kind: EventEncryptedMessagesRequired, Text: text})
			s.host.InjectMessage(s.id, wire.BuildQuery(policy.versions(), s.host.FallbackMessage(s.id)))
			return nil, nil
		}
		if policy.has(WhitespaceStartAKE) {
			return []string{wire.AppendWhitespaceTag(text, policy.versions())}, nil
		}
		return []string{text}, nil

	case stateFinished:
		c.event(Event{Kind: EventEncryptedMessagesRequired, Text: text})
		return nil, ErrFinished

	default:
		var out []string
		s.outbox = &out
		defer func() { s.outbox = nil }()

		if err := c.sendData(tlv.Pack([]byte(text), records), 0); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// TransformReceiving feeds one received transport string through
// classification, reassembly, routing and the instance state machines.
func (s *Session) TransformReceiving(raw string) (Received, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rcv := Received{Status: s.master.status()}

	switch {
	case wire.IsFragment(raw):
		return s.receiveFragment(raw)

	case wire.IsQuery(raw):
		s.receiveQuery(raw)
		return rcv, nil

	case wire.IsError(raw):
		s.master.event(Event{Kind: EventError, Text: wire.ParseError(raw)})
		if s.policy().has(ErrorStartAKE) {
			s.host.InjectMessage(s.id, wire.BuildQuery(s.policy().versions(), s.host.FallbackMessage(s.id)))
		}
		return rcv, nil

	case wire.IsEncoded(raw):
		return s.receiveEncoded(raw)

	default:
		return s.receivePlaintext(raw), nil
	}
}

func (s *Session) receiveQuery(raw string) {
	best := bestCommonVersion(s.policy(), wire.ParseQuery(raw))
	if best == VersionNone {
		return
	}
	s.refreshProfile()

	// The peer's instance tag is unknown until its first tagged reply,
	// so the exchange starts on the master and is reconciled onto the
	// slave later.
	_ = s.master.startHandshake(best)
}

func (s *Session) receivePlaintext(raw string) Received {
	text, advertised, tagged := wire.ParseWhitespaceTag(raw)

	rcv := Received{Status: s.master.status(), Content: text}

	if s.policy().has(RequireEncryption) || s.anyEncrypted() {
		s.master.event(Event{Kind: EventUnencryptedMessage, Text: text})
	}

	if tagged && s.policy().has(WhitespaceStartAKE) {
		if best := bestCommonVersion(s.policy(), advertised); best != VersionNone {
			s.refreshProfile()
			_ = s.master.startHandshake(best)
		}
	}
	return rcv
}

func (s *Session) anyEncrypted() bool {
	for _, c := range s.conversations() {
		if c.status() == StatusEncrypted {
			return true
		}
	}
	return false
}

func (s *Session) receiveFragment(raw string) (Received, error) {
	rcv := Received{Status: s.master.status(), Rejected: true}

	f, err := wire.ParseFragment(raw)
	if err != nil {
		return rcv, err
	}
	if f.Version != wire.Version2 {
		if f.SenderTag == 0 {
			return rcv, nil
		}
		if f.ReceiverTag != 0 && f.ReceiverTag != s.ourTag {
			s.host.OnEvent(s.id, f.SenderTag, Event{Kind: EventMessageForAnotherInstance})
			return rcv, nil
		}
	}
	if !s.policy().allowed(f.Version) {
		return rcv, nil
	}

	var (
		msg      string
		complete bool
	)
	if f.Version == wire.Version4 {
		msg, complete, err = s.unordered.Accept(f)
	} else {
		msg, complete, err = s.assembler.Accept(f)
	}
	if err != nil {
		return rcv, err
	}
	if !complete {
		return rcv, nil
	}
	if !wire.IsEncoded(msg) {
		return rcv, fmt.Errorf("otr: reassembled fragment is not an encoded message")
	}
	return s.receiveEncoded(msg)
}

func (s *Session) receiveEncoded(raw string) (Received, error) {
	rcv := Received{Status: s.master.status()}

	h, body, err := wire.Decode(raw)
	if err != nil {
		rcv.Rejected = true
		return rcv, err
	}

	// Instance routing comes before the policy gate so that traffic for
	// a sibling client still surfaces EventMessageForAnotherInstance.
	c := s.master
	if h.Version > wire.Version2 {
		if h.SenderTag == 0 {
			rcv.Rejected = true
			return rcv, nil
		}
		if h.ReceiverTag != 0 && h.ReceiverTag != s.ourTag {
			s.host.OnEvent(s.id, h.SenderTag, Event{Kind: EventMessageForAnotherInstance})
			rcv.Rejected = true
			return rcv, nil
		}
	}

	if !s.policy().allowed(h.Version) {
		rcv.Rejected = true
		return rcv, nil
	}

	if h.Version > wire.Version2 {
		c = s.slave(h.SenderTag)
	}

	rcv.Tag = c.theirTag
	err = c.handleEncoded(h, body, &rcv)
	rcv.Status = c.status()
	if err != nil {
		rcv.Rejected = true
	}
	return rcv, err
}

// slave looks up or creates the per-instance conversation. On creation the
// master's more recent key exchange progress is copied over: the first
// flight of an exchange we initiated went out with receiver tag zero, so
// its state accumulated on the master.
func (s *Session) slave(tag uint32) *conversation {
	if c, ok := s.slaves[tag]; ok {
		return c
	}

	c := newConversation(s, tag)
	if s.master.akeState.Timestamp().After(c.akeState.Timestamp()) {
		c.akeState = s.master.akeState
	}
	if s.master.dakeState.Timestamp().After(c.dakeState.Timestamp()) {
		c.dakeState = s.master.dakeState
	}
	if s.master.version != VersionNone {
		c.version = s.master.version
	}

	s.slaves[tag] = c
	if len(s.slaves) > 1 {
		s.host.OnEvent(s.id, tag, Event{Kind: EventMultipleInstances})
	}
	return c
}

// InitSMP starts a Socialist Millionaires run over the outgoing encrypted
// instance. A run already underway is aborted first.
func (s *Session) InitSMP(question, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.outgoing()
	run := c.smpState()
	if run == nil {
		return ErrNotEncrypted
	}

	if run.InProgress() {
		abort := run.Abort()
		c.event(Event{Kind: EventSMPAborted, AbortReason: SMPAbortUser})
		if err := c.sendData(tlv.Pack(nil, []tlv.TLV{abort}), c.smpSendFlags()); err != nil {
			return err
		}
	}

	rec, err := run.Start(question, []byte(answer))
	if err != nil {
		return err
	}
	return c.sendData(tlv.Pack(nil, []tlv.TLV{rec}), c.smpSendFlags())
}

// RespondSMP answers a peer-initiated run with the host-supplied secret.
func (s *Session) RespondSMP(answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.outgoing()
	run := c.smpState()
	if run == nil {
		return ErrNotEncrypted
	}

	rec, err := run.Respond([]byte(answer))
	if err != nil {
		return err
	}
	return c.sendData(tlv.Pack(nil, []tlv.TLV{rec}), c.smpSendFlags())
}

// AbortSMP cancels a running exchange on user request.
func (s *Session) AbortSMP() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.outgoing()
	run := c.smpState()
	if run == nil {
		return ErrNotEncrypted
	}

	rec := run.Abort()
	c.event(Event{Kind: EventSMPAborted, AbortReason: SMPAbortUser})
	return c.sendData(tlv.Pack(nil, []tlv.TLV{rec}), c.smpSendFlags())
}

// SMPInProgress reports whether an exchange is underway on the outgoing
// instance.
func (s *Session) SMPInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.outgoing().smpState()
	return run != nil && run.InProgress()
}

// extraKeyContext prefixes every derived version 4 extra symmetric key.
var extraKeyContext = []byte{0x65, 0x73, 0x6b, 0x00}

// deriveExtraKey expands per-use key material from the base extra key and
// the request's context bytes.
func deriveExtraKey(base, context []byte) []byte {
	info := append(append([]byte(nil), extraKeyContext...), context...)
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha3.New256, base, nil, info), out); err != nil {
		panic("otr: " + err.Error())
	}
	return out
}

// ExtraSymmetricKey hands the host the additional symmetric key of the
// outgoing encrypted instance and signals its use to the peer.
func (s *Session) ExtraSymmetricKey(context []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.outgoing()
	switch st := c.msg.(type) {
	case *stateEncrypted3:
		if err := c.sendData(tlv.Pack(nil, []tlv.TLV{{Type: tlv.TypeExtraSymKey, Value: context}}), 0); err != nil {
			return nil, err
		}
		key := st.window.ExtraKey()
		return key[:], nil

	case *stateEncrypted4:
		rec := tlv.TLV{Type: tlv.TypeExtraSymKeyV4, Value: context}
		if err := c.sendData(tlv.Pack(nil, []tlv.TLV{rec}), wire.FlagIgnoreUnreadable); err != nil {
			return nil, err
		}
		return deriveExtraKey(st.ratchet.ExtraKeyBase(), context), nil

	default:
		return nil, ErrNotEncrypted
	}
}

// RemoteInfo describes the peer of the outgoing encrypted instance.
func (s *Session) RemoteInfo() (RemoteInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.outgoing()
	switch st := c.msg.(type) {
	case *stateEncrypted3:
		return RemoteInfo{
			Version:     c.version,
			Fingerprint: dsaFingerprint(st.theirDSA),
			SSID:        st.ssid,
		}, nil
	case *stateEncrypted4:
		return RemoteInfo{
			Version:     VersionFour,
			Fingerprint: ed448.Fingerprint(st.theirProfile.LongTerm),
			SSID:        st.ssid,
		}, nil
	default:
		return RemoteInfo{}, ErrNotEncrypted
	}
}

// Status reports the messaging state of one peer instance, the master for
// tag zero.
func (s *Session) Status(tag uint32) SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tag == 0 {
		return s.master.status()
	}
	if c, ok := s.slaves[tag]; ok {
		return c.status()
	}
	return StatusPlaintext
}

// OurInstanceTag is this client's instance tag.
func (s *Session) OurInstanceTag() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ourTag
}

// Instances lists the observed peer instance tags.
func (s *Session) Instances() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint32, 0, len(s.slaves))
	for tag := range s.slaves {
		out = append(out, tag)
	}
	return out
}
