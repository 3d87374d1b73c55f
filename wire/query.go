// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"strings"
)

// QueryPrefix starts a query message; the version list follows after the
// 'v' and is terminated by a question mark.
const QueryPrefix = "?OTRv"

// ErrorPrefix starts a protocol error message; the human readable text
// follows.
const ErrorPrefix = "?OTR Error:"

// Whitespace tags. The base tag announces OTR capability at all; one tag
// per offered version is appended.
const (
	WhitespaceTagBase = " \t  \t\t\t\t \t \t \t  "
	WhitespaceTagV2   = "  \t\t  \t "
	WhitespaceTagV3   = "  \t\t  \t\t"
	WhitespaceTagV4   = "  \t\t \t  "
)

var whitespaceTags = map[uint16]string{
	Version2: WhitespaceTagV2,
	Version3: WhitespaceTagV3,
	Version4: WhitespaceTagV4,
}

// BuildQuery renders a query message advertising the given versions, with
// an optional human readable tail for clients not speaking OTR.
func BuildQuery(versions []uint16, tail string) string {
	b := new(strings.Builder)
	b.WriteString(QueryPrefix)
	for _, v := range versions {
		b.WriteByte('0' + byte(v))
	}
	b.WriteByte('?')
	if tail != "" {
		b.WriteByte(' ')
		b.WriteString(tail)
	}
	return b.String()
}

// IsQuery reports whether the transport string is a query message. The
// legacy "?OTR?" form (version 1 only) counts as a query but advertises
// nothing this library supports.
func IsQuery(s string) bool {
	return strings.HasPrefix(s, QueryPrefix) || strings.HasPrefix(s, "?OTR?")
}

// ParseQuery extracts the advertised versions from a query message.
// Unknown version digits are skipped.
func ParseQuery(s string) (versions []uint16) {
	i := strings.Index(s, "v")
	if i < 0 {
		return nil
	}
	for _, c := range s[i+1:] {
		if c == '?' {
			break
		}
		if c >= '2' && c <= '4' {
			versions = append(versions, uint16(c-'0'))
		}
	}
	return
}

// IsError reports whether the transport string is an OTR error message.
func IsError(s string) bool {
	return strings.HasPrefix(s, ErrorPrefix)
}

// ParseError returns the human readable part of an error message.
func ParseError(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(s, ErrorPrefix))
}

// BuildError renders an error message.
func BuildError(text string) string {
	return ErrorPrefix + " " + text
}

// AppendWhitespaceTag appends the whitespace tag for the given versions to
// a plaintext message.
func AppendWhitespaceTag(text string, versions []uint16) string {
	b := new(strings.Builder)
	b.WriteString(text)
	b.WriteString(WhitespaceTagBase)
	for _, v := range versions {
		if tag, ok := whitespaceTags[v]; ok {
			b.WriteString(tag)
		}
	}
	return b.String()
}

// ParseWhitespaceTag splits a plaintext message from its whitespace tag,
// returning the cleaned text and the advertised versions. tagged is false
// when no base tag is present.
func ParseWhitespaceTag(s string) (text string, versions []uint16, tagged bool) {
	i := strings.Index(s, WhitespaceTagBase)
	if i < 0 {
		return s, nil, false
	}

	tail := s[i+len(WhitespaceTagBase):]
	for len(tail) >= len(WhitespaceTagV2) {
		chunk := tail[:len(WhitespaceTagV2)]
		matched := false
		for v, tag := range whitespaceTags {
			if chunk == tag {
				versions = append(versions, v)
				matched = true
				break
			}
		}
		if !matched {
			break
		}
		tail = tail[len(chunk):]
	}

	return s[:i] + tail, versions, true
}
