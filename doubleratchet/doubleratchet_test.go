// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package doubleratchet

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/xolotl/otr/dh"
	"github.com/xolotl/otr/ed448"
)

// testPair wires up Alice and Bob the way the key exchange leaves them:
// a shared root key, Bob holding his advertised first-ratchet private
// keys, Alice holding their public halves, and vice versa.
func testPair(t *testing.T) (alice, bob *Ratchet) {
	t.Helper()

	root := make([]byte, RootKeySize)
	if _, err := rand.Read(root); err != nil {
		t.Fatal(err)
	}

	bobECDH, err := ed448.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bobDH, err := dh.Modp3072.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	aliceECDH, err := ed448.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	aliceDH, err := dh.Modp3072.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	alice = New(Config{
		Rand:      rand.Reader,
		Root:      root,
		OurECDH:   aliceECDH,
		OurDH:     aliceDH,
		TheirECDH: bobECDH.Pub,
		TheirDH:   bobDH.Pub,
	})
	bob = New(Config{
		Rand:      rand.Reader,
		Root:      root,
		OurECDH:   bobECDH,
		OurDH:     bobDH,
		TheirECDH: aliceECDH.Pub,
		TheirDH:   aliceDH.Pub,
	})
	return alice, bob
}

type sealedMsg struct {
	hdr    Header
	cipher []byte
	auth   []byte
}

func seal(t *testing.T, r *Ratchet, plaintext []byte) sealedMsg {
	t.Helper()

	s, err := r.Seal()
	if err != nil {
		t.Fatal(err)
	}
	m := sealedMsg{
		hdr: Header{
			I: s.I, J: s.J, PN: s.PN,
			ECDHPub: s.ECDHPub, DHPub: s.DHPub,
		},
		cipher: Encrypt(&s.Keys, plaintext),
	}
	m.auth = Authenticate(&s.Keys, m.cipher)
	return m
}

func open(r *Ratchet, m sealedMsg) ([]byte, error) {
	var plaintext []byte
	err := r.Open(m.hdr, func(mk *MessageKey) error {
		if !VerifyAuth(mk, m.cipher, m.auth) {
			return ErrAuthFailed
		}
		plaintext = Encrypt(mk, m.cipher)
		return nil
	})
	return plaintext, err
}

func TestPingPong(t *testing.T) {
	alice, bob := testPair(t)

	// Long enough to cross several DH-carrying rotations.
	for round := 0; round < 8; round++ {
		msg := []byte{byte(round), 'p', 'i', 'n', 'g'}
		got, err := open(bob, seal(t, alice, msg))
		if err != nil {
			t.Fatalf("round %d alice->bob: %v", round, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round %d: plaintext differs", round)
		}

		msg = []byte{byte(round), 'p', 'o', 'n', 'g'}
		got, err = open(alice, seal(t, bob, msg))
		if err != nil {
			t.Fatalf("round %d bob->alice: %v", round, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round %d: plaintext differs", round)
		}
	}
}

func TestConsecutiveMessagesOneChain(t *testing.T) {
	alice, bob := testPair(t)

	for j := 0; j < 5; j++ {
		msg := []byte{byte(j)}
		got, err := open(bob, seal(t, alice, msg))
		if err != nil {
			t.Fatalf("message %d: %v", j, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("message %d: plaintext differs", j)
		}
	}
}

func TestOutOfOrderWithinChain(t *testing.T) {
	alice, bob := testPair(t)

	m0 := seal(t, alice, []byte("zero"))
	m1 := seal(t, alice, []byte("one"))
	m2 := seal(t, alice, []byte("two"))

	if got, err := open(bob, m2); err != nil || !bytes.Equal(got, []byte("two")) {
		t.Fatalf("skipping ahead: %v", err)
	}
	if got, err := open(bob, m0); err != nil || !bytes.Equal(got, []byte("zero")) {
		t.Fatalf("stored key: %v", err)
	}
	if got, err := open(bob, m1); err != nil || !bytes.Equal(got, []byte("one")) {
		t.Fatalf("stored key: %v", err)
	}
}

func TestOutOfOrderAcrossRotation(t *testing.T) {
	alice, bob := testPair(t)

	early := seal(t, alice, []byte("early"))
	late := seal(t, alice, []byte("late"))

	if _, err := open(bob, late); err != nil {
		t.Fatal(err)
	}

	// Bob answers, Alice rotates onto a new chain.
	if _, err := open(alice, seal(t, bob, []byte("ack"))); err != nil {
		t.Fatal(err)
	}
	next := seal(t, alice, []byte("next chain"))
	if got, err := open(bob, next); err != nil || !bytes.Equal(got, []byte("next chain")) {
		t.Fatalf("new chain: %v", err)
	}

	// The message skipped before the rotation still opens.
	if got, err := open(bob, early); err != nil || !bytes.Equal(got, []byte("early")) {
		t.Fatalf("skipped key across rotation: %v", err)
	}
}

func TestMessageKeySingleUse(t *testing.T) {
	alice, bob := testPair(t)

	m := seal(t, alice, []byte("once"))
	if _, err := open(bob, m); err != nil {
		t.Fatal(err)
	}
	if _, err := open(bob, m); err == nil {
		t.Fatal("message decrypted twice")
	}
}

func TestForgeryLeavesStateIntact(t *testing.T) {
	alice, bob := testPair(t)

	if _, err := open(bob, seal(t, alice, []byte("warm-up"))); err != nil {
		t.Fatal(err)
	}

	legit := seal(t, alice, []byte("the real thing"))

	// Two forgeries claiming the current ratchet with foreign keys and
	// garbage ciphertext.
	for i := 0; i < 2; i++ {
		forgedECDH, err := ed448.GenerateKeyPair(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		forged := sealedMsg{
			hdr: Header{
				I: legit.hdr.I, J: legit.hdr.J, PN: legit.hdr.PN,
				ECDHPub: forgedECDH.Pub, DHPub: legit.hdr.DHPub,
			},
			cipher: []byte("garbage ciphertext"),
			auth:   bytes.Repeat([]byte{0x42}, MACKeySize),
		}
		if _, err := open(bob, forged); err == nil {
			t.Fatal("forgery accepted")
		}
	}

	got, err := open(bob, legit)
	if err != nil {
		t.Fatalf("legitimate message after forgeries: %v", err)
	}
	if !bytes.Equal(got, []byte("the real thing")) {
		t.Fatal("plaintext differs")
	}
}

func TestHigherRatchetAgainstDirectionRejected(t *testing.T) {
	alice, bob := testPair(t)

	if _, err := open(bob, seal(t, alice, []byte("one"))); err != nil {
		t.Fatal(err)
	}

	m := seal(t, alice, []byte("fake future"))
	m.hdr.I += 2
	if _, err := open(bob, m); err == nil {
		t.Fatal("impossible ratchet id accepted")
	}
}

func TestRevealsAccumulateAndDrain(t *testing.T) {
	alice, bob := testPair(t)

	if _, err := open(bob, seal(t, alice, []byte("x"))); err != nil {
		t.Fatal(err)
	}
	if _, err := open(bob, seal(t, alice, []byte("y"))); err != nil {
		t.Fatal(err)
	}

	reveals := bob.TakeReveals()
	if len(reveals) != 2*MACKeySize {
		t.Fatalf("reveal set is %d bytes, expected %d", len(reveals), 2*MACKeySize)
	}
	if len(bob.TakeReveals()) != 0 {
		t.Fatal("reveal set did not drain")
	}
}

func TestExtraKeyAgrees(t *testing.T) {
	alice, bob := testPair(t)

	s, err := alice.Seal()
	if err != nil {
		t.Fatal(err)
	}
	cipher := Encrypt(&s.Keys, []byte("payload"))
	auth := Authenticate(&s.Keys, cipher)

	var theirExtra []byte
	err = bob.Open(Header{I: s.I, J: s.J, PN: s.PN, ECDHPub: s.ECDHPub, DHPub: s.DHPub},
		func(mk *MessageKey) error {
			if !VerifyAuth(mk, cipher, auth) {
				return ErrAuthFailed
			}
			theirExtra = append([]byte(nil), mk.Extra[:]...)
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(alice.ExtraKeyBase(), theirExtra) {
		t.Fatal("extra symmetric keys disagree")
	}
}

func TestWipeZeroizes(t *testing.T) {
	alice, bob := testPair(t)

	if _, err := open(bob, seal(t, alice, []byte("skip"))); err != nil {
		t.Fatal(err)
	}

	root := bob.rootKey
	recv := bob.recvChain
	bob.Wipe()

	for _, b := range [][]byte{root, recv} {
		for _, v := range b {
			if v != 0 {
				t.Fatal("key material survived Wipe")
			}
		}
	}
	if len(bob.skipped) != 0 {
		t.Fatal("skipped keys survived Wipe")
	}
}
