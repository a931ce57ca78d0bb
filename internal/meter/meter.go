// Package meter is boundary to wireless M-Bus telegram decoder.
// Decryption and application layer parsing are external, only link layer header is read here.
package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// NominalFrameSize is padding target for short frame retry.
const NominalFrameSize = 64

const headerSize = 10

// ErrShortFrame is cause returned by Decoder when frame ends before declared data.
var ErrShortFrame = fmt.Errorf("telegram short frame")

func IsShortFrame(err error) bool { return errors.Cause(err) == ErrShortFrame }

type Options struct {
	// NoCRC skips block CRC verification.
	NoCRC bool
}

type Value struct {
	Name  string
	Value float64
	Unit  string
}

type Reading struct {
	MeterID      string
	Manufacturer string
	Medium       string
	Timestamp    time.Time
	Values       []Value
}

type Decoder interface {
	Decode(ctx context.Context, frame []byte, key []byte, opts Options) (*Reading, error)
}

type DecoderFunc func(ctx context.Context, frame []byte, key []byte, opts Options) (*Reading, error)

func (self DecoderFunc) Decode(ctx context.Context, frame []byte, key []byte, opts Options) (*Reading, error) {
	return self(ctx, frame, key, opts)
}

// Unconfigured rejects every telegram. Used when no decoder is linked in.
type Unconfigured struct{}

func (Unconfigured) Decode(context.Context, []byte, []byte, Options) (*Reading, error) {
	return nil, errors.NotImplementedf("telegram decoder")
}

// CheckFraming requires L-field (first byte) to equal length of the rest.
func CheckFraming(frame []byte) error {
	if len(frame) == 0 {
		return errors.NotValidf("telegram empty")
	}
	if int(frame[0]) != len(frame)-1 {
		return errors.NotValidf("telegram framing L=%d actual=%d", frame[0], len(frame)-1)
	}
	return nil
}

// Pad returns frame zero-padded to NominalFrameSize, or frame itself when not shorter.
func Pad(frame []byte) []byte {
	if len(frame) >= NominalFrameSize {
		return frame
	}
	b := make([]byte, NominalFrameSize)
	copy(b, frame)
	return b
}

type Header struct {
	Length       byte
	Control      byte
	Manufacturer string
	ID           string // 8 decimal digits
	Version      byte
	DeviceType   byte
}

func (self Header) Medium() string { return MediumName(self.DeviceType) }

// ParseHeader reads link layer: L C M(2) A(ID 4, version, type).
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < headerSize {
		return Header{}, errors.NotValidf("telegram header length=%d", len(frame))
	}
	id, err := bcdID(frame[4:8])
	if err != nil {
		return Header{}, err
	}
	return Header{
		Length:       frame[0],
		Control:      frame[1],
		Manufacturer: ManufacturerCode(uint16(frame[2]) | uint16(frame[3])<<8),
		ID:           id,
		Version:      frame[8],
		DeviceType:   frame[9],
	}, nil
}

// bcdID decodes little endian BCD meter id.
func bcdID(b []byte) (string, error) {
	out := make([]byte, 0, len(b)*2)
	for i := len(b) - 1; i >= 0; i-- {
		hi, lo := b[i]>>4, b[i]&0x0f
		if hi > 9 || lo > 9 {
			return "", errors.NotValidf("telegram meter id BCD %x", b)
		}
		out = append(out, '0'+hi, '0'+lo)
	}
	return string(out), nil
}

// ManufacturerCode is EN 13757-3 three letter flag id.
func ManufacturerCode(m uint16) string {
	return string([]byte{
		byte((m>>10)&0x1f) + 64,
		byte((m>>5)&0x1f) + 64,
		byte(m&0x1f) + 64,
	})
}

var mediumNames = map[byte]string{
	0x00: "other",
	0x01: "oil",
	0x02: "electricity",
	0x03: "gas",
	0x04: "heat",
	0x05: "steam",
	0x06: "warm_water",
	0x07: "water",
	0x08: "heat_cost_allocator",
	0x0a: "cooling_outlet",
	0x0b: "cooling_inlet",
	0x0c: "heat_inlet",
	0x0d: "heat_cooling",
	0x15: "hot_water",
	0x16: "cold_water",
	0x1a: "smoke_detector",
	0x1b: "room_sensor",
	0x1c: "gas_detector",
}

func MediumName(t byte) string {
	if s, ok := mediumNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown_%02x", t)
}
