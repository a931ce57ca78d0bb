package meter_test

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meterhub/helpers"
	"github.com/temoto/meterhub/internal/meter"
)

func TestCheckFraming(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"exact", "0401020304", true},
		{"declared-9-actual-8", "09" + "0102030405060708", false},
		{"declared-shorter", "020102030405", false},
		{"single", "00", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := meter.CheckFraming(helpers.MustHex(c.input))
			if c.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsNotValid(err))
			}
		})
	}
	assert.Error(t, meter.CheckFraming(nil))
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	// L=0x2e C=0x44 M=0x2d2c (KAM) ID=12345678 V=0x1b T=0x16
	frame := helpers.MustHex("2E442D2C785634121B16")
	h, err := meter.ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(0x2e), h.Length)
	assert.Equal(t, byte(0x44), h.Control)
	assert.Equal(t, "KAM", h.Manufacturer)
	assert.Equal(t, "12345678", h.ID)
	assert.Equal(t, byte(0x1b), h.Version)
	assert.Equal(t, "cold_water", h.Medium())

	_, err = meter.ParseHeader(frame[:9])
	assert.True(t, errors.IsNotValid(err))
	_, err = meter.ParseHeader(helpers.MustHex("2E442D2CFF5634121B16"))
	assert.True(t, errors.IsNotValid(err))
}

func TestPad(t *testing.T) {
	t.Parallel()

	short := []byte{1, 2, 3}
	p := meter.Pad(short)
	assert.Len(t, p, meter.NominalFrameSize)
	assert.Equal(t, short, p[:3])
	assert.Equal(t, []byte{1, 2, 3}, short, "input not modified")
	long := make([]byte, 100)
	assert.Len(t, meter.Pad(long), 100)
}

func TestUnconfigured(t *testing.T) {
	t.Parallel()
	_, err := meter.Unconfigured{}.Decode(context.Background(), []byte{0}, nil, meter.Options{})
	assert.True(t, errors.IsNotImplemented(err))
	assert.False(t, meter.IsShortFrame(err))
	assert.True(t, meter.IsShortFrame(errors.Annotate(meter.ErrShortFrame, "block 2")))
	assert.Equal(t, "MAN", meter.ManufacturerCode(0x342E))
	assert.Equal(t, "unknown_ff", meter.MediumName(0xff))
}
