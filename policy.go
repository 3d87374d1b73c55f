// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package otr

// Policy is the host-controlled bitset of session behaviors.
type Policy uint32

// The policy flags.
const (
	// AllowV2 permits protocol version 2.
	AllowV2 Policy = 1 << iota

	// AllowV3 permits protocol version 3.
	AllowV3

	// AllowV4 permits protocol version 4.
	AllowV4

	// RequireEncryption refuses to send plaintext; attempting to fires
	// EventEncryptedMessagesRequired and starts a key exchange instead.
	RequireEncryption

	// WhitespaceStartAKE appends the whitespace tag to outgoing
	// plaintext and starts a key exchange upon receiving one.
	WhitespaceStartAKE

	// ErrorStartAKE starts a key exchange upon receiving an OTR error
	// message. This is the single gate for that behavior; error messages
	// are unauthenticated, so a network attacker can trigger the rekey.
	ErrorStartAKE
)

func (p Policy) has(f Policy) bool {
	return p&f != 0
}

// allowed reports whether a protocol version number is permitted.
func (p Policy) allowed(v uint16) bool {
	switch v {
	case 2:
		return p.has(AllowV2)
	case 3:
		return p.has(AllowV3)
	case 4:
		return p.has(AllowV4)
	}
	return false
}

// versions lists the permitted version numbers in ascending order.
func (p Policy) versions() []uint16 {
	var out []uint16
	for _, v := range []uint16{2, 3, 4} {
		if p.allowed(v) {
			out = append(out, v)
		}
	}
	return out
}

// versionString renders the permitted versions for a client profile.
func (p Policy) versionString() string {
	var out []byte
	for _, v := range p.versions() {
		out = append(out, '0'+byte(v))
	}
	return string(out)
}
