// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package cookie

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCookie() *Cookie {
	return &Cookie{
		Flags:           FlagGraphics | FlagNetwork,
		FlagsMandatory:  FlagGraphics,
		LocalHostUUID:   uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		LocalHostname:   "host-a",
		RemoteHostUUID:  uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002"),
		RemoteHostname:  "host-b",
		DomainUUID:      uuid.MustParse("cccccccc-0000-0000-0000-000000000003"),
		DomainName:      "vm1",
		Graphics:        &Graphics{Type: "vnc", Port: 5900},
		Network:         []NetDatum{{PortData: "opaque"}},
	}
}

func TestCookieRoundTripsThroughEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	orig := sampleCookie()

	raw, err := Encode(orig)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(orig.DomainUUID, decoded.DomainUUID)
	assert.Equal(orig.DomainName, decoded.DomainName)
	assert.Equal(orig.Flags, decoded.Flags)
	assert.Equal(orig.FlagsMandatory, decoded.FlagsMandatory)
	assert.Equal(orig.Graphics.Port, decoded.Graphics.Port)
	assert.Len(decoded.Network, 1)
}

func TestDecodeRejectsMissingMandatoryGraphicsSection(t *testing.T) {
	c := sampleCookie()
	c.Graphics = nil // still claims FlagsMandatory includes FlagGraphics

	raw, err := Encode(c)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.Error(t, err)
}

func TestDecodeAcceptsMissingOptionalSection(t *testing.T) {
	c := sampleCookie()
	c.FlagsMandatory = 0 // graphics no longer mandatory
	c.Graphics = nil

	raw, err := Encode(c)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.NoError(t, err)
}

func TestCheckNotLocalHostRefusesMatchingHostname(t *testing.T) {
	c := sampleCookie()
	c.RemoteHostname = "host-a"
	c.RemoteHostUUID = uuid.Nil

	err := CheckNotLocalHost(c, "host-a", uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"))
	assert.Error(t, err)
}

func TestCheckNotLocalHostRefusesMatchingUUID(t *testing.T) {
	local := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	c := sampleCookie()
	c.RemoteHostname = "different-name"
	c.RemoteHostUUID = local

	err := CheckNotLocalHost(c, "host-a", local)
	assert.Error(t, err)
}

func TestCheckNotLocalHostAllowsDistinctHost(t *testing.T) {
	c := sampleCookie()
	err := CheckNotLocalHost(c, "host-a", uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"))
	assert.NoError(t, err)
}
