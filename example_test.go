// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package otr_test

import (
	"crypto/dsa"
	"fmt"
	"math"

	"github.com/xolotl/otr"
	"github.com/xolotl/otr/ed448"
)

// chatHost is a minimal embedder: it queues outgoing transport strings and
// prints the interesting events.
type chatHost struct {
	name     string
	longTerm *ed448.KeyPair
	forging  *ed448.KeyPair
	blob     []byte
	wire     []string
}

func (h *chatHost) InjectMessage(_ otr.SessionID, text string) { h.wire = append(h.wire, text) }
func (h *chatHost) SessionPolicy(otr.SessionID) otr.Policy     { return otr.AllowV4 }
func (h *chatHost) MaxFragmentSize(otr.SessionID) uint32       { return math.MaxUint32 }
func (h *chatHost) LocalKeyPair(otr.SessionID) *dsa.PrivateKey { return nil }
func (h *chatHost) LongTermKeyPair(otr.SessionID) *ed448.KeyPair {
	return h.longTerm
}
func (h *chatHost) ForgingKeyPair(otr.SessionID) *ed448.KeyPair { return h.forging }
func (h *chatHost) UpdateClientProfilePayload(p []byte)         { h.blob = p }
func (h *chatHost) RestoreClientProfilePayload() []byte         { return h.blob }
func (h *chatHost) ReplyForUnreadableMessage(otr.SessionID, string) string {
	return "unreadable message"
}
func (h *chatHost) FallbackMessage(otr.SessionID) string     { return "" }
func (h *chatHost) OnEvent(otr.SessionID, uint32, otr.Event) {}

func newChatHost(name string) *chatHost {
	longTerm, err := ed448.GenerateKeyPair(nil)
	if err != nil {
		panic(err)
	}
	forging, err := ed448.GenerateKeyPair(nil)
	if err != nil {
		panic(err)
	}
	return &chatHost{name: name, longTerm: longTerm, forging: forging}
}

func Example() {
	// Alice and Bob each embed the engine behind their chat transport.
	aliceHost := newChatHost("alice")
	bobHost := newChatHost("bob")

	alice, err := otr.NewSession(otr.SessionID{Account: "alice@example", Peer: "bob@example", Network: "example"}, aliceHost)
	if err != nil {
		panic(err)
	}
	bob, err := otr.NewSession(otr.SessionID{Account: "bob@example", Peer: "alice@example", Network: "example"}, bobHost)
	if err != nil {
		panic(err)
	}

	// Alice offers to upgrade the channel; the deniable key exchange
	// plays out over the two hosts' wires.
	if err := alice.Start(); err != nil {
		panic(err)
	}
	for len(aliceHost.wire)+len(bobHost.wire) > 0 {
		for _, msg := range aliceHost.wire {
			if _, err := bob.TransformReceiving(msg); err != nil {
				panic(err)
			}
		}
		aliceHost.wire = nil
		for _, msg := range bobHost.wire {
			if _, err := alice.TransformReceiving(msg); err != nil {
				panic(err)
			}
		}
		bobHost.wire = nil
	}

	// Now Alice can say something confidential.
	msgs, err := alice.TransformSending("hello bob")
	if err != nil {
		panic(err)
	}
	for _, msg := range msgs {
		rcv, err := bob.TransformReceiving(msg)
		if err != nil {
			panic(err)
		}
		if rcv.Confidential {
			fmt.Println(rcv.Content)
		}
	}

	// Output: hello bob
}
