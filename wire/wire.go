// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the OTR wire codec: the big-endian field
// primitives, the encoded message taxonomy for the protocol versions 2, 3
// and 4, the "?OTR:" base64 armor, query and error messages, and the
// fragmentation layer with its two reassemblers.
//
// Everything in here is plain serialization. No cryptographic decisions are
// made on this level; malformed input is reported as an error and the caller
// decides whether the message is dropped or surfaced.
package wire

import (
	"encoding/binary"
	"errors"
	"math/big"
)

// Sizes of the fixed-width wire fields.
const (
	// PointSize is the length of an encoded Ed448 point.
	PointSize = 57

	// ScalarSize is the length of an encoded Ed448 scalar.
	ScalarSize = 56

	// CtrSize is the transmitted top half of the 16 byte AES counter.
	CtrSize = 8

	// MACSize is the length of a version 3 data message MAC, a full
	// HMAC-SHA1 output.
	MACSize = 20

	// AuthSize is the length of a version 4 data message authenticator.
	AuthSize = 64
)

// ErrShortMessage is returned whenever a message ends before a field the
// format promises.
var ErrShortMessage = errors.New("otr: message too short")

// AppendShort appends a big-endian 16 bit integer.
func AppendShort(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

// AppendInt appends a big-endian 32 bit integer. Instance tags use the same
// representation.
func AppendInt(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

// AppendLong appends a big-endian 64 bit integer.
func AppendLong(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

// AppendData appends a 4 byte length prefix followed by the raw bytes.
func AppendData(b, data []byte) []byte {
	b = AppendInt(b, uint32(len(data)))
	return append(b, data...)
}

// AppendMPI appends a multi-precision integer: a 4 byte length prefix
// followed by the minimal big-endian magnitude. nil encodes as a zero-length
// MPI, which the protocol uses for "no value here".
func AppendMPI(b []byte, v *big.Int) []byte {
	if v == nil {
		return AppendInt(b, 0)
	}
	return AppendData(b, v.Bytes())
}

// MPIBytes returns the standalone encoding of v, as fed into the key
// derivation functions.
func MPIBytes(v *big.Int) []byte {
	return AppendMPI(nil, v)
}

// ReadShort consumes a 16 bit integer from b.
func ReadShort(b []byte) (v uint16, rest []byte, err error) {
	if len(b) < 2 {
		return 0, nil, ErrShortMessage
	}
	return binary.BigEndian.Uint16(b), b[2:], nil
}

// ReadInt consumes a 32 bit integer from b.
func ReadInt(b []byte) (v uint32, rest []byte, err error) {
	if len(b) < 4 {
		return 0, nil, ErrShortMessage
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

// ReadLong consumes a 64 bit integer from b.
func ReadLong(b []byte) (v uint64, rest []byte, err error) {
	if len(b) < 8 {
		return 0, nil, ErrShortMessage
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// ReadByte consumes a single byte from b.
func ReadByte(b []byte) (v byte, rest []byte, err error) {
	if len(b) < 1 {
		return 0, nil, ErrShortMessage
	}
	return b[0], b[1:], nil
}

// ReadData consumes a length-prefixed byte field from b. The returned slice
// is a copy; wire buffers are reused by the assemblers.
func ReadData(b []byte) (data, rest []byte, err error) {
	n, b, err := ReadInt(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(b)) < n {
		return nil, nil, ErrShortMessage
	}
	data = append([]byte(nil), b[:n]...)
	return data, b[n:], nil
}

// ReadMPI consumes a multi-precision integer from b. A zero-length MPI
// yields nil.
func ReadMPI(b []byte) (v *big.Int, rest []byte, err error) {
	data, rest, err := ReadData(b)
	if err != nil {
		return nil, nil, err
	}
	if len(data) == 0 {
		return nil, rest, nil
	}
	return new(big.Int).SetBytes(data), rest, nil
}

// ReadFixed consumes exactly n raw bytes from b.
func ReadFixed(b []byte, n int) (data, rest []byte, err error) {
	if len(b) < n {
		return nil, nil, ErrShortMessage
	}
	data = append([]byte(nil), b[:n]...)
	return data, b[n:], nil
}
