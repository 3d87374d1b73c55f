// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package otr

import (
	"crypto/dsa"

	"github.com/xolotl/otr/ed448"
)

// SessionID identifies one conversation: the local account, the remote
// peer, and the network both live on. Equality of all three fields means
// the same conversation.
type SessionID struct {
	Account string
	Peer    string
	Network string
}

// SessionStatus is the privacy level of one session instance.
type SessionStatus int

// The session states.
const (
	StatusPlaintext SessionStatus = iota
	StatusEncrypted
	StatusFinished
)

func (s SessionStatus) String() string {
	switch s {
	case StatusPlaintext:
		return "PLAINTEXT"
	case StatusEncrypted:
		return "ENCRYPTED"
	case StatusFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// EventKind enumerates the host-visible happenings of a session.
type EventKind int

// The event kinds.
const (
	// EventMessageForAnotherInstance fires when a message addressed a
	// different client instance of this account.
	EventMessageForAnotherInstance EventKind = iota

	// EventUnencryptedMessage fires when plaintext arrives although the
	// session expected encryption; Text carries the message.
	EventUnencryptedMessage

	// EventUnreadableMessage fires when an encrypted message could not
	// be read and did not ask to be ignored.
	EventUnreadableMessage

	// EventError fires for a received OTR error message; Text carries
	// the peer's text.
	EventError

	// EventSessionFinished fires when the peer ended the session.
	EventSessionFinished

	// EventMultipleInstances fires when a second client instance of the
	// peer appears.
	EventMultipleInstances

	// EventExtraSymmetricKey fires when the peer requested use of the
	// extra symmetric key; ExtraKey carries it, Text the request's
	// context bytes.
	EventExtraSymmetricKey

	// EventSMPRequestSecret asks the host for the answer to a peer's
	// Socialist Millionaires run; Text carries the question.
	EventSMPRequestSecret

	// EventSMPAborted reports an ended Socialist Millionaires run
	// without outcome.
	EventSMPAborted

	// EventSMPCompleted reports the outcome of a Socialist Millionaires
	// run.
	EventSMPCompleted

	// EventEncryptedMessagesRequired fires when policy forbade sending
	// plaintext; Text carries the withheld message.
	EventEncryptedMessagesRequired
)

// SMPAbortReason explains an EventSMPAborted.
type SMPAbortReason int

// The abort reasons.
const (
	// SMPAbortUser: this side's user aborted.
	SMPAbortUser SMPAbortReason = iota

	// SMPAbortInterruption: the peer aborted or restarted.
	SMPAbortInterruption

	// SMPAbortViolation: the peer violated the protocol.
	SMPAbortViolation
)

// SMPResult is the payload of EventSMPCompleted.
type SMPResult struct {
	Verified    bool
	Fingerprint []byte
}

// Event is one host notification with its kind-specific payload fields.
type Event struct {
	Kind EventKind

	Text        string
	ExtraKey    []byte
	SMP         SMPResult
	AbortReason SMPAbortReason
}

// Host is the embedding application. Callbacks run synchronously under the
// session lock and must not call back into the same session; a host that
// needs to must defer to another goroutine.
type Host interface {
	// InjectMessage hands a prepared transport string to the wire.
	InjectMessage(id SessionID, text string)

	// SessionPolicy returns the current policy flags.
	SessionPolicy(id SessionID) Policy

	// MaxFragmentSize bounds outgoing transport strings; MaxUint32
	// disables fragmentation.
	MaxFragmentSize(id SessionID) uint32

	// LocalKeyPair is the version 2/3 DSA identity.
	LocalKeyPair(id SessionID) *dsa.PrivateKey

	// LongTermKeyPair is the version 4 identity.
	LongTermKeyPair(id SessionID) *ed448.KeyPair

	// ForgingKeyPair is the version 4 forging key published for
	// deniability.
	ForgingKeyPair(id SessionID) *ed448.KeyPair

	// UpdateClientProfilePayload publishes a freshly signed client
	// profile blob.
	UpdateClientProfilePayload(payload []byte)

	// RestoreClientProfilePayload returns the stored profile blob, or
	// empty when none exists.
	RestoreClientProfilePayload() []byte

	// ReplyForUnreadableMessage localizes the error text sent back for a
	// message we could not read.
	ReplyForUnreadableMessage(id SessionID, identifier string) string

	// FallbackMessage is the human readable tail of outgoing query
	// messages.
	FallbackMessage(id SessionID) string

	// OnEvent is the generic event sink.
	OnEvent(id SessionID, receiverTag uint32, ev Event)
}
