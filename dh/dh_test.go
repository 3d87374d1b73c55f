// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dh

import (
	"math/big"
	"testing"
)

func TestGroupConstants(t *testing.T) {
	if got := Modp1536.P.BitLen(); got != 1536 {
		t.Fatalf("1536 bit prime has %d bits", got)
	}
	if got := Modp3072.P.BitLen(); got != 3072 {
		t.Fatalf("3072 bit prime has %d bits", got)
	}
	if Modp1536.G.Cmp(big.NewInt(2)) != 0 || Modp3072.G.Cmp(big.NewInt(2)) != 0 {
		t.Fatal("generator is not 2")
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	for _, g := range []Group{Modp1536, Modp3072} {
		a, err := g.GenerateKeyPair(nil)
		if err != nil {
			t.Fatal(err)
		}
		b, err := g.GenerateKeyPair(nil)
		if err != nil {
			t.Fatal(err)
		}

		sa := g.Shared(a.Priv, b.Pub)
		sb := g.Shared(b.Priv, a.Pub)
		if sa.Cmp(sb) != 0 {
			t.Fatal("shared secrets differ")
		}
	}
}

func TestIsGroupElement(t *testing.T) {
	g := Modp1536

	kp, err := g.GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsGroupElement(kp.Pub) {
		t.Fatal("honest public value rejected")
	}

	for _, bad := range []*big.Int{
		nil,
		big.NewInt(0),
		big.NewInt(1),
		new(big.Int).Sub(g.P, big.NewInt(1)),
		g.P,
		new(big.Int).Add(g.P, big.NewInt(5)),
	} {
		if g.IsGroupElement(bad) {
			t.Errorf("degenerate value %v accepted", bad)
		}
	}
}

func TestWipe(t *testing.T) {
	kp, err := Modp1536.GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	kp.Wipe()
	if kp.Priv != nil {
		t.Fatal("private key survived Wipe")
	}
}
