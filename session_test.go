// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package otr

import (
	"crypto/dsa"
	"crypto/rand"
	"math"
	"strings"
	"sync"
	"testing"

	mrand "github.com/ericlagergren/saferand"
	"github.com/stretchr/testify/require"

	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/wire"
)

var (
	dsaOnce   sync.Once
	dsaParams dsa.Parameters
)

func testDSAKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	dsaOnce.Do(func() {
		if err := dsa.GenerateParameters(&dsaParams, rand.Reader, dsa.L1024N160); err != nil {
			panic(err)
		}
	})
	key := &dsa.PrivateKey{}
	key.Parameters = dsaParams
	require.NoError(t, dsa.GenerateKey(key, rand.Reader))
	return key
}

type hostEvent struct {
	tag uint32
	ev  Event
}

// testHost is an in-memory embedder recording everything the engine does.
type testHost struct {
	t *testing.T

	policy   Policy
	fragSize uint32

	dsaKey   *dsa.PrivateKey
	longTerm *ed448.KeyPair
	forging  *ed448.KeyPair

	blob   []byte
	outbox []string
	events []hostEvent
}

func newTestHost(t *testing.T, policy Policy) *testHost {
	t.Helper()

	h := &testHost{t: t, policy: policy, fragSize: math.MaxUint32}
	if policy.has(AllowV2) || policy.has(AllowV3) {
		h.dsaKey = testDSAKey(t)
	}
	if policy.has(AllowV4) {
		var err error
		h.longTerm, err = ed448.GenerateKeyPair(rand.Reader)
		require.NoError(t, err)
		h.forging, err = ed448.GenerateKeyPair(rand.Reader)
		require.NoError(t, err)
	}
	return h
}

func (h *testHost) InjectMessage(_ SessionID, text string) { h.outbox = append(h.outbox, text) }
func (h *testHost) SessionPolicy(SessionID) Policy         { return h.policy }
func (h *testHost) MaxFragmentSize(SessionID) uint32       { return h.fragSize }
func (h *testHost) LocalKeyPair(SessionID) *dsa.PrivateKey { return h.dsaKey }
func (h *testHost) LongTermKeyPair(SessionID) *ed448.KeyPair {
	return h.longTerm
}
func (h *testHost) ForgingKeyPair(SessionID) *ed448.KeyPair { return h.forging }
func (h *testHost) UpdateClientProfilePayload(p []byte)     { h.blob = p }
func (h *testHost) RestoreClientProfilePayload() []byte     { return h.blob }
func (h *testHost) ReplyForUnreadableMessage(SessionID, string) string {
	return "You sent me an unreadable message."
}
func (h *testHost) FallbackMessage(SessionID) string { return "" }
func (h *testHost) OnEvent(_ SessionID, tag uint32, ev Event) {
	h.events = append(h.events, hostEvent{tag: tag, ev: ev})
}

func (h *testHost) drain() []string {
	out := h.outbox
	h.outbox = nil
	return out
}

func (h *testHost) eventsOfKind(kind EventKind) []hostEvent {
	var out []hostEvent
	for _, e := range h.events {
		if e.ev.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type endpoint struct {
	session *Session
	host    *testHost
}

func newEndpoint(t *testing.T, account, peer string, policy Policy) *endpoint {
	t.Helper()
	host := newTestHost(t, policy)
	s, err := NewSession(SessionID{Account: account, Peer: peer, Network: "test"}, host)
	require.NoError(t, err)
	return &endpoint{session: s, host: host}
}

// pump delivers queued traffic between endpoints until everything settles.
// Messages from the first endpoint are broadcast to all others; messages
// from the others are delivered to the first, mirroring one account with
// several peer devices.
func pump(t *testing.T, hub *endpoint, spokes ...*endpoint) {
	t.Helper()

	for moved := true; moved; {
		moved = false
		for _, msg := range hub.host.drain() {
			moved = true
			for _, spoke := range spokes {
				_, _ = spoke.session.TransformReceiving(msg)
			}
		}
		for _, spoke := range spokes {
			for _, msg := range spoke.host.drain() {
				moved = true
				_, _ = hub.session.TransformReceiving(msg)
			}
		}
	}
}

// handshake runs the query plus key exchange between two endpoints.
func handshake(t *testing.T, alice, bob *endpoint) {
	t.Helper()
	require.NoError(t, alice.session.Start())
	pump(t, alice, bob)

	require.Equal(t, StatusEncrypted, alice.session.Status(bob.session.OurInstanceTag()))
	require.Equal(t, StatusEncrypted, bob.session.Status(alice.session.OurInstanceTag()))
}

// sendText runs one user message across, asserting it arrives verbatim and
// confidentially.
func sendText(t *testing.T, from, to *endpoint, text string) {
	t.Helper()

	msgs, err := from.session.TransformSending(text)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)

	var got Received
	for _, m := range msgs {
		got, err = to.session.TransformReceiving(m)
		require.NoError(t, err)
	}
	require.True(t, got.Confidential)
	require.Equal(t, text, got.Content)
}

func TestV4HandshakeAndMessage(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)

	handshake(t, alice, bob)

	info, err := alice.session.RemoteInfo()
	require.NoError(t, err)
	require.Equal(t, VersionFour, info.Version)

	info, err = bob.session.RemoteInfo()
	require.NoError(t, err)
	require.Equal(t, VersionFour, info.Version)

	sendText(t, alice, bob, "Hello Bob!")
	sendText(t, bob, alice, "Hello Alice!")

	require.Empty(t, alice.host.eventsOfKind(EventUnencryptedMessage))
	require.Empty(t, bob.host.eventsOfKind(EventUnencryptedMessage))
}

func TestV3HandshakeAndMessage(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV3)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV3)

	handshake(t, alice, bob)

	info, err := alice.session.RemoteInfo()
	require.NoError(t, err)
	require.Equal(t, VersionThree, info.Version)

	// SSIDs must agree for out-of-band comparison.
	infoBob, err := bob.session.RemoteInfo()
	require.NoError(t, err)
	require.Equal(t, info.SSID, infoBob.SSID)

	for i := 0; i < 4; i++ {
		sendText(t, alice, bob, "ping")
		sendText(t, bob, alice, "pong")
	}
}

func TestV2HandshakeAndMessage(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV2)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV2)

	require.NoError(t, alice.session.Start())
	pump(t, alice, bob)

	// Version 2 has no instance tags; everything runs on the master.
	require.Equal(t, StatusEncrypted, alice.session.Status(0))
	require.Equal(t, StatusEncrypted, bob.session.Status(0))

	sendText(t, alice, bob, "still speaking the old dialect")
	sendText(t, bob, alice, "indeed we are")
}

func TestMixedVersionCoexistence(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV2|AllowV3|AllowV4)
	bob1 := newEndpoint(t, "bob@net", "alice@net", AllowV3|AllowV4)
	bob2 := newEndpoint(t, "bob@net", "alice@net", AllowV2|AllowV3)

	require.NoError(t, alice.session.Start())
	pump(t, alice, bob1, bob2)

	tag1 := bob1.session.OurInstanceTag()
	tag2 := bob2.session.OurInstanceTag()

	require.Equal(t, StatusEncrypted, alice.session.Status(tag1))
	require.Equal(t, StatusEncrypted, alice.session.Status(tag2))
	require.Equal(t, StatusEncrypted, bob1.session.Status(alice.session.OurInstanceTag()))
	require.Equal(t, StatusEncrypted, bob2.session.Status(alice.session.OurInstanceTag()))

	infoWith := func(tag uint32) RemoteInfo {
		require.NoError(t, alice.session.SetOutgoingInstance(tag))
		info, err := alice.session.RemoteInfo()
		require.NoError(t, err)
		return info
	}
	require.Equal(t, VersionFour, infoWith(tag1).Version)
	require.Equal(t, VersionThree, infoWith(tag2).Version)

	// A message for one device looks like foreign traffic to the other.
	require.NoError(t, alice.session.SetOutgoingInstance(tag1))
	msgs, err := alice.session.TransformSending("for device one")
	require.NoError(t, err)
	rcv, err := bob1.session.TransformReceiving(msgs[0])
	require.NoError(t, err)
	require.Equal(t, "for device one", rcv.Content)

	before := len(bob2.host.eventsOfKind(EventMessageForAnotherInstance))
	rcv, err = bob2.session.TransformReceiving(msgs[0])
	require.NoError(t, err)
	require.True(t, rcv.Rejected)
	require.Greater(t, len(bob2.host.eventsOfKind(EventMessageForAnotherInstance)), before)

	require.NoError(t, alice.session.SetOutgoingInstance(tag2))
	msgs, err = alice.session.TransformSending("for device two")
	require.NoError(t, err)
	rcv, err = bob2.session.TransformReceiving(msgs[0])
	require.NoError(t, err)
	require.Equal(t, "for device two", rcv.Content)

	before = len(bob1.host.eventsOfKind(EventMessageForAnotherInstance))
	rcv, err = bob1.session.TransformReceiving(msgs[0])
	require.NoError(t, err)
	require.True(t, rcv.Rejected)
	require.Greater(t, len(bob1.host.eventsOfKind(EventMessageForAnotherInstance)), before)
}

func runSMP(t *testing.T, alice, bob *endpoint, question, answerA, answerB string) (aliceVerified, bobVerified bool) {
	t.Helper()

	require.NoError(t, alice.session.InitSMP(question, answerA))
	pump(t, alice, bob)

	requests := bob.host.eventsOfKind(EventSMPRequestSecret)
	require.NotEmpty(t, requests)
	require.Equal(t, question, requests[len(requests)-1].ev.Text)

	require.NoError(t, bob.session.RespondSMP(answerB))
	pump(t, alice, bob)

	aliceDone := alice.host.eventsOfKind(EventSMPCompleted)
	bobDone := bob.host.eventsOfKind(EventSMPCompleted)
	require.NotEmpty(t, aliceDone)
	require.NotEmpty(t, bobDone)

	return aliceDone[len(aliceDone)-1].ev.SMP.Verified, bobDone[len(bobDone)-1].ev.SMP.Verified
}

func TestSMPOutcomes(t *testing.T) {
	t.Run("matching", func(t *testing.T) {
		alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
		bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)
		handshake(t, alice, bob)

		a, b := runSMP(t, alice, bob, "What's the secret?", "Nobody knows!", "Nobody knows!")
		require.True(t, a)
		require.True(t, b)
	})

	t.Run("mismatched", func(t *testing.T) {
		alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
		bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)
		handshake(t, alice, bob)

		a, b := runSMP(t, alice, bob, "What's the secret?", "Nobody knows!", "Everybody knows!")
		require.False(t, a)
		require.False(t, b)
	})

	t.Run("v3 groups", func(t *testing.T) {
		alice := newEndpoint(t, "alice@net", "bob@net", AllowV3)
		bob := newEndpoint(t, "bob@net", "alice@net", AllowV3)
		handshake(t, alice, bob)

		a, b := runSMP(t, alice, bob, "", "same", "same")
		require.True(t, a)
		require.True(t, b)
	})
}

func TestFragmentedOutOfOrderDelivery(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)
	alice.host.fragSize = 150
	bob.host.fragSize = 150

	handshake(t, alice, bob)

	text := strings.Repeat("forward secrecy for everyone ", 40)
	msgs, err := alice.session.TransformSending(text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 4, "message must split into at least four fragments")

	shuffled := append([]string(nil), msgs...)
	mrand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var got Received
	for _, m := range shuffled {
		got, err = bob.session.TransformReceiving(m)
		require.NoError(t, err)
	}
	require.True(t, got.Confidential)
	require.Equal(t, text, got.Content)
}

func TestDroppedFragment(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)
	alice.host.fragSize = 150
	bob.host.fragSize = 150

	handshake(t, alice, bob)

	text := strings.Repeat("this one gets lost ", 40)
	msgs, err := alice.session.TransformSending(text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 4)

	var got Received
	for i, m := range msgs {
		if i == 2 {
			continue
		}
		got, err = bob.session.TransformReceiving(m)
		require.NoError(t, err)
		require.Empty(t, got.Content)
	}

	// The incomplete series stays pending; fresh traffic is unaffected.
	sendText(t, alice, bob, "still alive")
}

func TestForgedRatchetMessagesRejected(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)

	handshake(t, alice, bob)
	sendText(t, alice, bob, "warm-up")

	msgs, err := alice.session.TransformSending("the real thing")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	forge := func() string {
		h, body, err := wire.Decode(msgs[0])
		require.NoError(t, err)
		d, ok := body.(*wire.Data4)
		require.True(t, ok)
		kp, err := ed448.GenerateKeyPair(rand.Reader)
		require.NoError(t, err)
		d.ECDHPub = kp.Pub.Bytes()
		d.Encrypted = []byte("garbage garbage garbage")
		return wire.Encode(h, d)
	}

	for i := 0; i < 2; i++ {
		rcv, err := bob.session.TransformReceiving(forge())
		require.NoError(t, err)
		require.True(t, rcv.Rejected)
		require.False(t, rcv.Confidential)
	}

	rcv, err := bob.session.TransformReceiving(msgs[0])
	require.NoError(t, err)
	require.True(t, rcv.Confidential)
	require.Equal(t, "the real thing", rcv.Content)
}

func TestEndSession(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)

	handshake(t, alice, bob)
	sendText(t, alice, bob, "before the end")

	require.NoError(t, alice.session.End())
	pump(t, alice, bob)

	require.Equal(t, StatusPlaintext, alice.session.Status(bob.session.OurInstanceTag()))
	require.Equal(t, StatusFinished, bob.session.Status(alice.session.OurInstanceTag()))
	require.NotEmpty(t, bob.host.eventsOfKind(EventSessionFinished))

	// Bob may not keep talking into the finished session.
	_, err := bob.session.TransformSending("anyone there?")
	require.ErrorIs(t, err, ErrFinished)
}

func TestRequireEncryptionWithholdsPlaintext(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4|RequireEncryption)

	msgs, err := alice.session.TransformSending("secret thought")
	require.NoError(t, err)
	require.Empty(t, msgs)

	events := alice.host.eventsOfKind(EventEncryptedMessagesRequired)
	require.NotEmpty(t, events)
	require.Equal(t, "secret thought", events[0].ev.Text)

	// The engine offered an upgrade instead.
	require.NotEmpty(t, alice.host.outbox)
}

func TestWhitespaceTagStartsHandshake(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4|WhitespaceStartAKE)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4|WhitespaceStartAKE)

	msgs, err := alice.session.TransformSending("hi, upgrade if you can")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	rcv, err := bob.session.TransformReceiving(msgs[0])
	require.NoError(t, err)
	require.Equal(t, "hi, upgrade if you can", rcv.Content)

	// Bob reacted to the tag by opening a key exchange.
	require.NotEmpty(t, bob.host.outbox)
	pump(t, alice, bob)

	require.Equal(t, StatusEncrypted, alice.session.Status(bob.session.OurInstanceTag()))
	require.Equal(t, StatusEncrypted, bob.session.Status(alice.session.OurInstanceTag()))
}

func TestExtraSymmetricKeyAgreement(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)

	handshake(t, alice, bob)
	sendText(t, alice, bob, "warm-up")

	key, err := alice.session.ExtraSymmetricKey([]byte("file transfer"))
	require.NoError(t, err)
	require.Len(t, key, 32)

	pump(t, alice, bob)

	events := bob.host.eventsOfKind(EventExtraSymmetricKey)
	require.NotEmpty(t, events)
	require.Equal(t, key, events[len(events)-1].ev.ExtraKey)
	require.Equal(t, "file transfer", events[len(events)-1].ev.Text)
}

func TestProfilePersistsAcrossSessions(t *testing.T) {
	host := newTestHost(t, AllowV4)

	s1, err := NewSession(SessionID{Account: "a", Peer: "b", Network: "test"}, host)
	require.NoError(t, err)
	require.NotEmpty(t, host.blob)

	s2, err := NewSession(SessionID{Account: "a", Peer: "c", Network: "test"}, host)
	require.NoError(t, err)

	require.Equal(t, s1.OurInstanceTag(), s2.OurInstanceTag())
}

func TestSenderTagZeroDropped(t *testing.T) {
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)

	msg := wire.Encode(wire.Header{Version: 4, SenderTag: 0, ReceiverTag: 0}, &wire.Identity{
		Profile:   []byte("bogus"),
		Y:         make([]byte, wire.PointSize),
		FirstECDH: make([]byte, wire.PointSize),
	})

	rcv, err := bob.session.TransformReceiving(msg)
	require.NoError(t, err)
	require.True(t, rcv.Rejected)
	require.Empty(t, bob.host.outbox)
}

func TestPolicyRejectsDisabledVersion(t *testing.T) {
	// A version 3 only client silently drops version 4 traffic.
	carol := newEndpoint(t, "bob@net", "alice@net", AllowV3)

	msg := wire.Encode(wire.Header{Version: 4, SenderTag: 0x1234, ReceiverTag: 0}, &wire.Identity{
		Profile:   []byte("bogus"),
		Y:         make([]byte, wire.PointSize),
		FirstECDH: make([]byte, wire.PointSize),
	})

	rcv, err := carol.session.TransformReceiving(msg)
	require.NoError(t, err)
	require.True(t, rcv.Rejected)
	require.Empty(t, carol.host.outbox)
	require.Empty(t, carol.host.events)
}

func TestUnreadableAfterStateLoss(t *testing.T) {
	alice := newEndpoint(t, "alice@net", "bob@net", AllowV4)
	bob := newEndpoint(t, "bob@net", "alice@net", AllowV4)

	handshake(t, alice, bob)

	// Bob loses his session and rebuilds; Alice's next message cannot be
	// read and the host learns about it.
	fresh, err := NewSession(SessionID{Account: "bob@net", Peer: "alice@net", Network: "test"}, bob.host)
	require.NoError(t, err)
	bob.session = fresh

	msgs, err := alice.session.TransformSending("are you there?")
	require.NoError(t, err)
	_, _ = bob.session.TransformReceiving(msgs[0])

	require.NotEmpty(t, bob.host.eventsOfKind(EventUnreadableMessage))
}
