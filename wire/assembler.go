// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"errors"
	"strings"
)

// Reassembly bounds for the out-of-order assembler.
const (
	// MaxMessagesInAssembly caps the number of concurrently reassembling
	// series; the eldest series is evicted beyond that.
	MaxMessagesInAssembly = 100

	// MaxMessageSize caps the accumulated size of a single series.
	MaxMessageSize = 100 << 20
)

// ErrFragmentSequence is returned by the in-order assembler for a fragment
// that does not continue the current series.
var ErrFragmentSequence = errors.New("otr: fragment out of sequence")

// ErrFragmentDuplicate is returned by the out-of-order assembler for a
// second fragment addressing an already filled slot.
var ErrFragmentDuplicate = errors.New("otr: duplicate fragment")

// ErrFragmentMismatch is returned when a fragment contradicts its series'
// metadata.
var ErrFragmentMismatch = errors.New("otr: fragment metadata mismatch")

type inorderSeries struct {
	next  uint16
	total uint16
	buf   strings.Builder
}

// Assembler reassembles version 2 and 3 fragments, which must arrive
// strictly in order. Series are kept per sender instance tag.
type Assembler struct {
	series map[uint32]*inorderSeries
}

// NewAssembler creates an empty in-order assembler.
func NewAssembler() *Assembler {
	return &Assembler{series: make(map[uint32]*inorderSeries)}
}

// Accept feeds one fragment. On the final fragment the reassembled message
// is returned with complete set. A fragment that does not continue its
// series discards the series and reports an error; the caller drops the
// message but keeps the session.
func (a *Assembler) Accept(f Fragment) (msg string, complete bool, err error) {
	s := a.series[f.SenderTag]

	switch {
	case f.Index == 1:
		s = &inorderSeries{next: 1, total: f.Total}
		a.series[f.SenderTag] = s
	case s == nil:
		return "", false, ErrFragmentSequence
	case f.Index != s.next || f.Total != s.total:
		delete(a.series, f.SenderTag)
		return "", false, ErrFragmentSequence
	}

	s.buf.WriteString(f.Payload)
	s.next++

	if f.Index == f.Total {
		delete(a.series, f.SenderTag)
		return s.buf.String(), true, nil
	}
	return "", false, nil
}

type unorderedSeries struct {
	parts []string
	got   int
	size  int
	birth uint64
}

// UnorderedAssembler reassembles version 4 fragments, which may arrive in
// any order. Series are keyed by the fragment identifier.
type UnorderedAssembler struct {
	series map[uint32]*unorderedSeries
	clock  uint64
}

// NewUnorderedAssembler creates an empty out-of-order assembler.
func NewUnorderedAssembler() *UnorderedAssembler {
	return &UnorderedAssembler{series: make(map[uint32]*unorderedSeries)}
}

func (a *UnorderedAssembler) evictEldest() {
	var (
		eldest    uint32
		eldestAge uint64
		found     bool
	)
	for id, s := range a.series {
		if !found || s.birth < eldestAge {
			eldest, eldestAge, found = id, s.birth, true
		}
	}
	if found {
		delete(a.series, eldest)
	}
}

// Accept feeds one fragment. Each slot of a series is write-once; the
// series completes when every slot is filled.
func (a *UnorderedAssembler) Accept(f Fragment) (msg string, complete bool, err error) {
	s := a.series[f.Identifier]
	if s == nil {
		s = &unorderedSeries{parts: make([]string, f.Total), birth: a.clock}
		a.clock++
		a.series[f.Identifier] = s

		if len(a.series) > MaxMessagesInAssembly {
			a.evictEldest()
		}
	}

	if int(f.Total) != len(s.parts) || f.Payload == "" {
		delete(a.series, f.Identifier)
		return "", false, ErrFragmentMismatch
	}
	if s.parts[f.Index-1] != "" {
		return "", false, ErrFragmentDuplicate
	}

	s.parts[f.Index-1] = f.Payload
	s.got++
	s.size += len(f.Payload)

	if s.size > MaxMessageSize {
		delete(a.series, f.Identifier)
		return "", false, ErrFragmentMismatch
	}

	if s.got == len(s.parts) {
		delete(a.series, f.Identifier)
		return strings.Join(s.parts, ""), true, nil
	}
	return "", false, nil
}
