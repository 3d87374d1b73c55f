// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package profile

import (
	"crypto/dsa"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/xolotl/otr/ed448"
)

var (
	dsaOnce   sync.Once
	dsaParams dsa.Parameters
)

func testDSAKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	dsaOnce.Do(func() {
		if err := dsa.GenerateParameters(&dsaParams, rand.Reader, dsa.L1024N160); err != nil {
			panic(err)
		}
	})
	key := &dsa.PrivateKey{}
	key.Parameters = dsaParams
	if err := dsa.GenerateKey(key, rand.Reader); err != nil {
		t.Fatal(err)
	}
	return key
}

func testProfile(t *testing.T, dsaKey *dsa.PrivateKey) (*Profile, *ed448.KeyPair, *ed448.KeyPair) {
	t.Helper()

	longTerm, err := ed448.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	forging, err := ed448.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(rand.Reader, 0x1001, longTerm, forging, "34", dsaKey)
	if err != nil {
		t.Fatal(err)
	}
	return p, longTerm, forging
}

func TestRoundTrip(t *testing.T) {
	p, longTerm, forging := testProfile(t, nil)

	decoded, err := Decode(p.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if err := decoded.Validate(time.Now()); err != nil {
		t.Fatal(err)
	}
	if decoded.InstanceTag != 0x1001 || decoded.Versions != "34" {
		t.Fatalf("fields lost: %+v", decoded)
	}
	if !ed448.Equal(decoded.LongTerm, longTerm.Pub) || !ed448.Equal(decoded.Forging, forging.Pub) {
		t.Fatal("keys lost")
	}
}

func TestRoundTripWithTransitionalSignature(t *testing.T) {
	p, _, _ := testProfile(t, testDSAKey(t))

	decoded, err := Decode(p.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.DSAKey == nil || len(decoded.TransitionalSig) != 40 {
		t.Fatal("transitional part lost")
	}
	if err := decoded.Validate(time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	p, _, _ := testProfile(t, nil)

	p.Versions = "234"
	if err := p.Validate(time.Now()); err == nil {
		t.Fatal("tampered profile validated")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	p, _, _ := testProfile(t, nil)

	if err := p.Validate(p.Expiry.Add(time.Second)); err == nil {
		t.Fatal("expired profile validated")
	}
}

func TestValidateRejectsReservedTag(t *testing.T) {
	longTerm, _ := ed448.GenerateKeyPair(rand.Reader)
	forging, _ := ed448.GenerateKeyPair(rand.Reader)
	p, err := New(rand.Reader, 0x42, longTerm, forging, "4", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Validate(time.Now()); err == nil {
		t.Fatal("reserved instance tag validated")
	}
}

func TestNeedsRefresh(t *testing.T) {
	p, _, _ := testProfile(t, nil)

	if p.NeedsRefresh(time.Now()) {
		t.Fatal("fresh profile wants a refresh")
	}
	if !p.NeedsRefresh(p.Expiry.Add(-time.Hour)) {
		t.Fatal("near-expiry profile does not want a refresh")
	}
}

func TestSupportsVersion(t *testing.T) {
	p, _, _ := testProfile(t, nil)

	if !p.SupportsVersion(3) || !p.SupportsVersion(4) {
		t.Fatal("advertised versions not recognized")
	}
	if p.SupportsVersion(2) {
		t.Fatal("unadvertised version recognized")
	}
}
