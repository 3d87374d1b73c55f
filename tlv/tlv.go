// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tlv packs and unpacks the typed records embedded in the decrypted
// payload of data messages. A plaintext payload is the human readable text,
// a NUL byte, and a sequence of TLV records.
package tlv

import (
	"encoding/binary"
	"errors"
)

// Record types. Type 7 is the SMP1Q question variant under version 3 but
// the extra symmetric key request under version 4; the messaging state
// resolves the meaning from its own version.
const (
	TypePadding       uint16 = 0
	TypeDisconnect    uint16 = 1
	TypeSMP1          uint16 = 2
	TypeSMP2          uint16 = 3
	TypeSMP3          uint16 = 4
	TypeSMP4          uint16 = 5
	TypeSMPAbort      uint16 = 6
	TypeSMP1Q         uint16 = 7
	TypeExtraSymKeyV4 uint16 = 7
	TypeExtraSymKey   uint16 = 8
)

// ErrTruncated is returned when a record's declared length exceeds the
// remaining payload.
var ErrTruncated = errors.New("otr: truncated TLV record")

// TLV is one typed record.
type TLV struct {
	Type  uint16
	Value []byte
}

// IsSMP reports whether the record belongs to the Socialist Millionaires
// Protocol. smp1qIsQuestion distinguishes the version 3 reading of type 7.
func (t TLV) IsSMP(smp1qIsQuestion bool) bool {
	switch t.Type {
	case TypeSMP1, TypeSMP2, TypeSMP3, TypeSMP4, TypeSMPAbort:
		return true
	case TypeSMP1Q:
		return smp1qIsQuestion
	}
	return false
}

// Append serializes the record onto b.
func (t TLV) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, t.Type)
	b = binary.BigEndian.AppendUint16(b, uint16(len(t.Value)))
	return append(b, t.Value...)
}

// Pack serializes a message payload: the text, a NUL separator when any
// record follows, and the records.
func Pack(text []byte, records []TLV) []byte {
	out := append([]byte(nil), text...)
	if len(records) == 0 {
		return out
	}
	out = append(out, 0)
	for _, t := range records {
		out = t.Append(out)
	}
	return out
}

// Unpack splits a decrypted payload into its text and records.
func Unpack(payload []byte) (text []byte, records []TLV, err error) {
	text = payload
	for i, c := range payload {
		if c == 0 {
			text = payload[:i]
			payload = payload[i+1:]

			for len(payload) > 0 {
				if len(payload) < 4 {
					return nil, nil, ErrTruncated
				}
				t := TLV{Type: binary.BigEndian.Uint16(payload)}
				n := int(binary.BigEndian.Uint16(payload[2:]))
				payload = payload[4:]
				if len(payload) < n {
					return nil, nil, ErrTruncated
				}
				t.Value = append([]byte(nil), payload[:n]...)
				payload = payload[n:]
				records = append(records, t)
			}
			return text, records, nil
		}
	}
	return text, nil, nil
}
