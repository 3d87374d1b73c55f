// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tlv

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPackUnpackInverse(t *testing.T) {
	tests := []struct {
		name    string
		text    []byte
		records []TLV
	}{
		{"bare text", []byte("hello"), nil},
		{"empty everything", nil, nil},
		{"disconnect only", nil, []TLV{{Type: TypeDisconnect}}},
		{"text and records", []byte("hi"), []TLV{
			{Type: TypePadding, Value: bytes.Repeat([]byte{0xaa}, 7)},
			{Type: TypeSMP1, Value: []byte{1, 2, 3}},
			{Type: TypeExtraSymKey, Value: nil},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := Pack(tt.text, tt.records)
			text, records, err := Unpack(payload)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(text, tt.text) {
				t.Fatalf("text %q, expected %q", text, tt.text)
			}
			if len(records) != len(tt.records) {
				t.Fatalf("%d records, expected %d", len(records), len(tt.records))
			}
			for i := range records {
				if records[i].Type != tt.records[i].Type {
					t.Fatalf("record %d type %d", i, records[i].Type)
				}
				if len(records[i].Value) != len(tt.records[i].Value) {
					t.Fatalf("record %d value length %d", i, len(records[i].Value))
				}
				if len(records[i].Value) > 0 && !reflect.DeepEqual(records[i].Value, tt.records[i].Value) {
					t.Fatalf("record %d value differs", i)
				}
			}
		})
	}
}

func TestUnpackTruncated(t *testing.T) {
	for _, payload := range [][]byte{
		{0, 0x00},
		{0, 0x00, 0x01, 0x00},
		{0, 0x00, 0x01, 0x00, 0x05, 0x01},
	} {
		if _, _, err := Unpack(payload); err == nil {
			t.Errorf("unpacking % x unexpectedly succeeded", payload)
		}
	}
}

func TestIsSMP(t *testing.T) {
	if !(TLV{Type: TypeSMP2}).IsSMP(true) {
		t.Fatal("SMP2 not recognized")
	}
	if !(TLV{Type: TypeSMP1Q}).IsSMP(true) {
		t.Fatal("SMP1Q not recognized under version 3 reading")
	}
	if (TLV{Type: TypeExtraSymKeyV4}).IsSMP(false) {
		t.Fatal("type 7 recognized as SMP under version 4 reading")
	}
	if (TLV{Type: TypeDisconnect}).IsSMP(true) {
		t.Fatal("disconnect recognized as SMP")
	}
}
