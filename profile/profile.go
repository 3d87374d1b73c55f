// SPDX-FileCopyrightText: 2026 The xolotl/otr Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package profile implements the version 4 client profile: a signed,
// publicly publishable record binding an instance tag to the long-term and
// forging keys, the supported versions, and an expiration. Publishing the
// forging key is what buys offline deniability, so profiles are not
// secrets; the host stores the encoded blob opaquely.
package profile

import (
	"bytes"
	"crypto/dsa"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/xolotl/otr/ed448"
	"github.com/xolotl/otr/wire"
)

// DefaultLifetime is the validity of a freshly issued profile.
const DefaultLifetime = 14 * 24 * time.Hour

// RefreshHorizon is how close to expiry a profile is reissued.
const RefreshHorizon = 48 * time.Hour

// MinInstanceTag is the smallest valid instance tag; smaller values are
// reserved.
const MinInstanceTag uint32 = 0x100

// Profile is one client profile.
type Profile struct {
	InstanceTag uint32
	LongTerm    *ed448.Point
	Forging     *ed448.Point
	Versions    string
	Expiry      time.Time

	// DSAKey and TransitionalSig tie a version 3 identity to this
	// profile; both are optional.
	DSAKey          *dsa.PublicKey
	TransitionalSig []byte

	Signature []byte
}

// New issues a signed profile. dsaKey may be nil when no version 3
// identity exists.
func New(rnd io.Reader, tag uint32, longTerm, forging *ed448.KeyPair, versions string, dsaKey *dsa.PrivateKey) (*Profile, error) {
	p := &Profile{
		InstanceTag: tag,
		LongTerm:    longTerm.Pub,
		Forging:     forging.Pub,
		Versions:    versions,
		Expiry:      time.Now().Add(DefaultLifetime),
	}

	if dsaKey != nil {
		p.DSAKey = &dsaKey.PublicKey
		digest := ed448.Shake(0x03, 32, p.transitionalBody())
		n := (dsaKey.Q.BitLen() + 7) / 8
		r, s, err := dsa.Sign(rnd, dsaKey, digest[:n])
		if err != nil {
			return nil, fmt.Errorf("profile: transitional signature: %w", err)
		}
		sig := make([]byte, 40)
		r.FillBytes(sig[:20])
		s.FillBytes(sig[20:])
		p.TransitionalSig = sig
	}

	sig, err := ed448.Sign(rnd, longTerm, p.body())
	if err != nil {
		return nil, err
	}
	p.Signature = sig
	return p, nil
}

// transitionalBody is the part covered by the version 3 DSA signature.
func (p *Profile) transitionalBody() []byte {
	b := wire.AppendInt(nil, p.InstanceTag)
	b = append(b, p.LongTerm.Bytes()...)
	b = append(b, p.Forging.Bytes()...)
	b = wire.AppendData(b, []byte(p.Versions))
	return wire.AppendLong(b, uint64(p.Expiry.Unix()))
}

// body is the part covered by the profile signature.
func (p *Profile) body() []byte {
	b := p.transitionalBody()
	if p.DSAKey == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	b = wire.AppendMPI(b, p.DSAKey.P)
	b = wire.AppendMPI(b, p.DSAKey.Q)
	b = wire.AppendMPI(b, p.DSAKey.G)
	b = wire.AppendMPI(b, p.DSAKey.Y)
	return wire.AppendData(b, p.TransitionalSig)
}

// Encode serializes the profile including its signature.
func (p *Profile) Encode() []byte {
	return wire.AppendData(p.body(), p.Signature)
}

// Decode parses an encoded profile. The signature is not verified here;
// call Validate.
func Decode(b []byte) (*Profile, error) {
	p := &Profile{}
	var err error

	if p.InstanceTag, b, err = wire.ReadInt(b); err != nil {
		return nil, err
	}

	var raw []byte
	if raw, b, err = wire.ReadFixed(b, ed448.PointSize); err != nil {
		return nil, err
	}
	if p.LongTerm, err = ed448.PointFromBytes(raw); err != nil {
		return nil, err
	}
	if raw, b, err = wire.ReadFixed(b, ed448.PointSize); err != nil {
		return nil, err
	}
	if p.Forging, err = ed448.PointFromBytes(raw); err != nil {
		return nil, err
	}

	if raw, b, err = wire.ReadData(b); err != nil {
		return nil, err
	}
	p.Versions = string(raw)

	var exp uint64
	if exp, b, err = wire.ReadLong(b); err != nil {
		return nil, err
	}
	p.Expiry = time.Unix(int64(exp), 0)

	var hasDSA byte
	if hasDSA, b, err = wire.ReadByte(b); err != nil {
		return nil, err
	}
	if hasDSA == 1 {
		pub := &dsa.PublicKey{}
		for _, v := range []**big.Int{&pub.P, &pub.Q, &pub.G, &pub.Y} {
			if *v, b, err = wire.ReadMPI(b); err != nil {
				return nil, err
			}
		}
		p.DSAKey = pub
		if p.TransitionalSig, b, err = wire.ReadData(b); err != nil {
			return nil, err
		}
	} else if hasDSA != 0 {
		return nil, fmt.Errorf("profile: malformed DSA marker %#x", hasDSA)
	}

	if p.Signature, b, err = wire.ReadData(b); err != nil {
		return nil, err
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("profile: %d trailing bytes", len(b))
	}
	return p, nil
}

// Validate checks the profile signature, the instance tag range, the
// expiry, and (when present) the transitional DSA signature.
func (p *Profile) Validate(now time.Time) error {
	if p.InstanceTag < MinInstanceTag {
		return fmt.Errorf("profile: reserved instance tag %#x", p.InstanceTag)
	}
	if !now.Before(p.Expiry) {
		return fmt.Errorf("profile: expired at %v", p.Expiry)
	}
	if p.Versions == "" {
		return fmt.Errorf("profile: no supported versions")
	}

	if err := ed448.Verify(p.LongTerm, p.body(), p.Signature); err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	if p.DSAKey != nil {
		if len(p.TransitionalSig) != 40 {
			return fmt.Errorf("profile: transitional signature must be 40 bytes")
		}
		digest := ed448.Shake(0x03, 32, p.transitionalBody())
		n := (p.DSAKey.Q.BitLen() + 7) / 8
		r := new(big.Int).SetBytes(p.TransitionalSig[:20])
		s := new(big.Int).SetBytes(p.TransitionalSig[20:])
		if !dsa.Verify(p.DSAKey, digest[:n], r, s) {
			return fmt.Errorf("profile: transitional signature verification failed")
		}
	}
	return nil
}

// SupportsVersion reports whether the profile advertises a protocol
// version digit.
func (p *Profile) SupportsVersion(v uint16) bool {
	return bytes.ContainsRune([]byte(p.Versions), rune('0'+v))
}

// NeedsRefresh reports whether the profile is inside the refresh horizon.
func (p *Profile) NeedsRefresh(now time.Time) bool {
	return now.Add(RefreshHorizon).After(p.Expiry)
}
