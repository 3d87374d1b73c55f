// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package smp implements the Socialist Millionaires Protocol, the
// zero-knowledge equality test over a shared low-entropy secret used for
// mutual authentication inside an encrypted session. Versions 2 and 3 run
// it in the protocol's 1536 bit MODP group, version 4 on Ed448; both share
// the four-flight shape SMP1..SMP4 plus an abort record.
package smp

import "github.com/xolotl/otr/tlv"

// Status of the protocol after consuming a record.
type Status int

// The observable protocol states.
const (
	// StatusOngoing means the exchange continues; a reply may be due.
	StatusOngoing Status = iota

	// StatusAwaitingAnswer means the peer initiated and the host must
	// supply the secret before Respond can continue.
	StatusAwaitingAnswer

	// StatusCompleted means the final check ran; Verified tells the
	// outcome.
	StatusCompleted

	// StatusAborted means the exchange ended without a result.
	StatusAborted
)

// Update is what consuming a record tells the messaging state.
type Update struct {
	Status   Status
	Question string
	Verified bool
	Reply    *tlv.TLV
}

// Progress states shared by both group implementations. expect1 doubles
// as the idle state.
const (
	expect1 = iota
	expect2
	expect3
	expect4
)
