// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Fragment is one piece of a split encoded message. Version 2 fragments
// carry no instance tags, version 4 fragments additionally carry a series
// identifier.
type Fragment struct {
	Version     uint16
	Identifier  uint32
	SenderTag   uint32
	ReceiverTag uint32
	Index       uint16
	Total       uint16
	Payload     string
}

// ErrFragmentSize is returned when the host's maximum fragment size cannot
// even hold a single payload byte next to the fragment header.
var ErrFragmentSize = errors.New("otr: fragment size too small")

// ErrFragmentFormat is returned for transport strings that look like
// fragments but do not parse.
var ErrFragmentFormat = errors.New("otr: malformed fragment")

// IsFragment reports whether the transport string is a message fragment.
func IsFragment(s string) bool {
	return strings.HasPrefix(s, "?OTR,") || strings.HasPrefix(s, "?OTR|")
}

func fragmentPrefix(version uint16, identifier, sender, receiver uint32) string {
	switch version {
	case Version2:
		return "?OTR,"
	case Version3:
		return fmt.Sprintf("?OTR|%08x|%08x,", sender, receiver)
	default:
		return fmt.Sprintf("?OTR|%08x|%08x|%08x,", identifier, sender, receiver)
	}
}

func buildFragment(prefix string, k, n int, piece string) string {
	return fmt.Sprintf("%s%d,%d,%s,", prefix, k, n, piece)
}

// ParseFragment decodes a single fragment string.
func ParseFragment(s string) (f Fragment, err error) {
	if !IsFragment(s) {
		return f, ErrFragmentFormat
	}

	rest := s[len("?OTR"):]
	if rest[0] == '|' {
		head, tail, ok := strings.Cut(rest[1:], ",")
		if !ok {
			return f, ErrFragmentFormat
		}
		parts := strings.Split(head, "|")
		tags := make([]uint32, 0, len(parts))
		for _, p := range parts {
			v, perr := strconv.ParseUint(p, 16, 32)
			if perr != nil {
				return f, ErrFragmentFormat
			}
			tags = append(tags, uint32(v))
		}
		switch len(tags) {
		case 2:
			f.Version = Version3
			f.SenderTag, f.ReceiverTag = tags[0], tags[1]
		case 3:
			f.Version = Version4
			f.Identifier, f.SenderTag, f.ReceiverTag = tags[0], tags[1], tags[2]
		default:
			return f, ErrFragmentFormat
		}
		rest = tail
	} else {
		f.Version = Version2
		rest = rest[1:]
	}

	// rest is now "k,n,piece," with piece free of commas by construction
	// of the base64 armor.
	kStr, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return f, ErrFragmentFormat
	}
	nStr, rest, ok := strings.Cut(rest, ",")
	if !ok {
		return f, ErrFragmentFormat
	}
	if !strings.HasSuffix(rest, ",") {
		return f, ErrFragmentFormat
	}
	f.Payload = rest[:len(rest)-1]

	k, err := strconv.ParseUint(kStr, 10, 16)
	if err != nil {
		return f, ErrFragmentFormat
	}
	n, err := strconv.ParseUint(nStr, 10, 16)
	if err != nil {
		return f, ErrFragmentFormat
	}
	f.Index, f.Total = uint16(k), uint16(n)

	if f.Index == 0 || f.Total == 0 || f.Index > f.Total {
		return f, ErrFragmentFormat
	}
	return f, nil
}

func digits(n int) int {
	return len(strconv.Itoa(n))
}

// Split fragments an encoded message so that no emitted string exceeds
// maxSize. Messages that already fit are returned as a single element
// without a fragment header. Non-encoded messages must not be passed here;
// the fragment syntax only wraps armored payloads.
func Split(msg string, version uint16, identifier, sender, receiver uint32, maxSize int) ([]string, error) {
	if maxSize <= 0 || len(msg) <= maxSize {
		return []string{msg}, nil
	}

	prefix := fragmentPrefix(version, identifier, sender, receiver)

	// The per-fragment overhead depends on the decimal width of the k and
	// n counters, which in turn depends on how many fragments fit. Try
	// increasing widths until the assumption is self-consistent.
	for nd := 1; nd <= digits(len(msg))+1; nd++ {
		overhead := len(prefix) + 2*nd + 3
		space := maxSize - overhead
		if space < 1 {
			continue
		}
		total := (len(msg) + space - 1) / space
		if digits(total) > nd || total > 65535 {
			continue
		}

		pieces := make([]string, 0, total)
		for k := 1; k <= total; k++ {
			lo := (k - 1) * space
			hi := lo + space
			if hi > len(msg) {
				hi = len(msg)
			}
			pieces = append(pieces, buildFragment(prefix, k, total, msg[lo:hi]))
		}
		return pieces, nil
	}

	return nil, ErrFragmentSize
}
