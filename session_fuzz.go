// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build gofuzz

// This file fuzzes the receive path with go-fuzz.

package otr

import (
	"crypto/dsa"
	"strings"

	"github.com/xolotl/otr/ed448"
)

// fuzzHost is a minimal host permitting only version 4, so the engine
// never needs DSA material.
type fuzzHost struct{}

var (
	fuzzLongTerm, _ = ed448.GenerateKeyPair(nil)
	fuzzForging, _  = ed448.GenerateKeyPair(nil)
)

func (fuzzHost) InjectMessage(SessionID, string)          {}
func (fuzzHost) SessionPolicy(SessionID) Policy           { return AllowV4 }
func (fuzzHost) MaxFragmentSize(SessionID) uint32         { return 1 << 16 }
func (fuzzHost) LocalKeyPair(SessionID) *dsa.PrivateKey   { return nil }
func (fuzzHost) LongTermKeyPair(SessionID) *ed448.KeyPair { return fuzzLongTerm }
func (fuzzHost) ForgingKeyPair(SessionID) *ed448.KeyPair  { return fuzzForging }
func (fuzzHost) UpdateClientProfilePayload([]byte)        {}
func (fuzzHost) RestoreClientProfilePayload() []byte      { return nil }
func (fuzzHost) ReplyForUnreadableMessage(SessionID, string) string {
	return "unreadable"
}
func (fuzzHost) FallbackMessage(SessionID) string { return "" }
func (fuzzHost) OnEvent(SessionID, uint32, Event) {}

func Fuzz(data []byte) int {
	if len(data) == 0 {
		return 0
	}

	mode := data[0] % 4
	raw := string(data[1:])

	if !strings.HasPrefix(raw, "?OTR") {
		return -1
	}

	host := fuzzHost{}
	alice, err := NewSession(SessionID{Account: "alice", Peer: "bob", Network: "fuzz"}, host)
	if err != nil {
		panic(err)
	}

	switch mode {
	case 0:
		// Quiescent session.
	case 1:
		_ = alice.Start()
	case 2:
		_, _ = alice.TransformReceiving("?OTRv34?")
	case 3:
		_, _ = alice.TransformSending("decoy")
	}

	_, _ = alice.TransformReceiving(raw)
	_, _ = alice.TransformReceiving(raw)
	return 0
}
