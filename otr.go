// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package otr implements Off-the-Record Messaging, protocol versions 2, 3
// and 4, as an engine the host application embeds on top of any text
// transport.
//
// A Session is created per peer. Everything read from the transport is fed
// through TransformReceiving, everything the user wants to say goes
// through TransformSending; the engine answers protocol traffic through
// the host's InjectMessage callback and reports through its event sink.
//
// The cryptographic subsystems live in this repository's subdirectories:
// the wire codec and fragmentation in wire, the version 2/3 key exchange
// and key window in ake and sesskeys, the version 4 deniable key exchange
// and ratchet in dake and doubleratchet, and the Socialist Millionaires
// authentication in smp. For implementation details please refer there.
package otr
