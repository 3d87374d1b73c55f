// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"math/rand"
	"strings"
	"testing"
)

func buildTestMessage(n int) string {
	b := new(strings.Builder)
	b.WriteString(EncodedPrefix)
	for b.Len() < n-1 {
		b.WriteByte('A' + byte(b.Len()%26))
	}
	b.WriteString(EncodedSuffix)
	return b.String()
}

func TestSplitRoundTrip(t *testing.T) {
	msg := buildTestMessage(1000)

	for _, version := range []uint16{Version2, Version3, Version4} {
		frags, err := Split(msg, version, 0xcafe, 0x1001, 0x2002, 150)
		if err != nil {
			t.Fatalf("v%d: %v", version, err)
		}
		if len(frags) < 2 {
			t.Fatalf("v%d: message did not fragment", version)
		}

		var joined strings.Builder
		for i, raw := range frags {
			if len(raw) > 150 {
				t.Fatalf("v%d: fragment %d is %d bytes", version, i, len(raw))
			}
			f, err := ParseFragment(raw)
			if err != nil {
				t.Fatalf("v%d: parsing fragment %d: %v", version, i, err)
			}
			if f.Version != version {
				t.Fatalf("v%d: fragment parsed as version %d", version, f.Version)
			}
			if int(f.Index) != i+1 || int(f.Total) != len(frags) {
				t.Fatalf("v%d: fragment %d claims %d/%d", version, i, f.Index, f.Total)
			}
			joined.WriteString(f.Payload)
		}
		if joined.String() != msg {
			t.Fatalf("v%d: payloads do not concatenate to the message", version)
		}
	}
}

func TestSplitFits(t *testing.T) {
	msg := buildTestMessage(50)

	// Version 2 overhead for two-digit counters is 12 bytes, so 13 is the
	// smallest workable size and 12 must fail.
	if _, err := Split(msg, Version2, 0, 0, 0, 13); err != nil {
		t.Fatalf("smallest workable size failed: %v", err)
	}
	if _, err := Split(msg, Version2, 0, 0, 0, 12); err == nil {
		t.Fatal("one byte below the smallest workable size succeeded")
	}
}

func TestSplitShortMessagePassesThrough(t *testing.T) {
	msg := buildTestMessage(40)
	frags, err := Split(msg, Version4, 1, 2, 3, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) != 1 || frags[0] != msg {
		t.Fatalf("short message was mangled: %v", frags)
	}
}

func TestParseFragmentRejects(t *testing.T) {
	for _, in := range []string{
		"?OTR|zz|00000100,1,2,x,",
		"?OTR|00000001,1,2,x,",
		"?OTR,0,2,x,",
		"?OTR,3,2,x,",
		"?OTR,1,2,x",
		"?OTR,1,x",
		"plain",
	} {
		if _, err := ParseFragment(in); err == nil {
			t.Errorf("parsing %q unexpectedly succeeded", in)
		}
	}
}

func TestUnorderedAssemblerShuffled(t *testing.T) {
	msg := buildTestMessage(1200)
	frags, err := Split(msg, Version4, 0xfeed, 1, 2, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) < 4 {
		t.Fatalf("only %d fragments", len(frags))
	}

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 10; run++ {
		order := rng.Perm(len(frags))

		a := NewUnorderedAssembler()
		var (
			got      string
			complete bool
		)
		for _, i := range order {
			f, err := ParseFragment(frags[i])
			if err != nil {
				t.Fatal(err)
			}
			got, complete, err = a.Accept(f)
			if err != nil {
				t.Fatal(err)
			}
		}
		if !complete {
			t.Fatal("assembly did not complete")
		}
		if got != msg {
			t.Fatal("reassembled message differs")
		}
	}
}

func TestUnorderedAssemblerDroppedFragment(t *testing.T) {
	msg := buildTestMessage(1200)
	frags, _ := Split(msg, Version4, 0xfeed, 1, 2, 150)

	a := NewUnorderedAssembler()
	for i, raw := range frags {
		if i == 1 {
			continue
		}
		f, _ := ParseFragment(raw)
		if _, complete, err := a.Accept(f); err != nil || complete {
			t.Fatalf("fragment %d: complete=%v err=%v", i, complete, err)
		}
	}

	// A full later series still reassembles.
	frags2, _ := Split(msg, Version4, 0xbeef, 1, 2, 150)
	var (
		got      string
		complete bool
		err      error
	)
	for _, raw := range frags2 {
		f, _ := ParseFragment(raw)
		got, complete, err = a.Accept(f)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !complete || got != msg {
		t.Fatal("second series did not reassemble")
	}
}

func TestUnorderedAssemblerDuplicateSlot(t *testing.T) {
	a := NewUnorderedAssembler()
	f := Fragment{Version: Version4, Identifier: 9, Index: 1, Total: 3, Payload: "x"}
	if _, _, err := a.Accept(f); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Accept(f); err == nil {
		t.Fatal("duplicate slot accepted")
	}
}

func TestUnorderedAssemblerEviction(t *testing.T) {
	a := NewUnorderedAssembler()

	for id := uint32(0); id < MaxMessagesInAssembly+1; id++ {
		f := Fragment{Version: Version4, Identifier: id, Index: 1, Total: 2, Payload: "x"}
		if _, _, err := a.Accept(f); err != nil {
			t.Fatal(err)
		}
	}

	// The eldest series was evicted; completing it starts over instead.
	f := Fragment{Version: Version4, Identifier: 0, Index: 2, Total: 2, Payload: "y"}
	if _, complete, err := a.Accept(f); err != nil || complete {
		t.Fatalf("evicted series completed: complete=%v err=%v", complete, err)
	}
}

func TestInorderAssembler(t *testing.T) {
	a := NewAssembler()

	series := []Fragment{
		{Version: Version3, SenderTag: 7, Index: 1, Total: 3, Payload: "aa"},
		{Version: Version3, SenderTag: 7, Index: 2, Total: 3, Payload: "bb"},
		{Version: Version3, SenderTag: 7, Index: 3, Total: 3, Payload: "cc"},
	}

	for i, f := range series[:2] {
		if _, complete, err := a.Accept(f); err != nil || complete {
			t.Fatalf("fragment %d: complete=%v err=%v", i, complete, err)
		}
	}
	msg, complete, err := a.Accept(series[2])
	if err != nil || !complete {
		t.Fatalf("complete=%v err=%v", complete, err)
	}
	if msg != "aabbcc" {
		t.Fatalf("reassembled %q", msg)
	}
}

func TestInorderAssemblerRejectsGaps(t *testing.T) {
	a := NewAssembler()

	if _, _, err := a.Accept(Fragment{Version: Version3, SenderTag: 7, Index: 1, Total: 3, Payload: "aa"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Accept(Fragment{Version: Version3, SenderTag: 7, Index: 3, Total: 3, Payload: "cc"}); err == nil {
		t.Fatal("gap accepted")
	}

	// The series was discarded; its continuation no longer applies.
	if _, _, err := a.Accept(Fragment{Version: Version3, SenderTag: 7, Index: 2, Total: 3, Payload: "bb"}); err == nil {
		t.Fatal("continuation of a discarded series accepted")
	}
}

func TestInorderAssemblerSingleFragment(t *testing.T) {
	a := NewAssembler()
	msg, complete, err := a.Accept(Fragment{Version: Version2, Index: 1, Total: 1, Payload: "solo"})
	if err != nil || !complete || msg != "solo" {
		t.Fatalf("msg=%q complete=%v err=%v", msg, complete, err)
	}
}
