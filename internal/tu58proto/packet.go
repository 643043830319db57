// Package tu58proto implements the DEC TU58 wire protocol (spec.md §4.E):
// packet framing, the COMMAND record, and the per-session state machine.
//
// The little-endian Encoder/Decoder pair is adapted from
// internal/proto/codec.go in the teacher repository; the packet/record
// layering mirrors internal/proto/w64f.go's header-then-payload split.
package tu58proto

import (
	"encoding/binary"
	"fmt"
)

// Single-byte control bytes (spec.md §4.E).
const (
	ControlInit     byte = 0x04
	ControlContinue byte = 0x10
	ControlXOFF     byte = 0x13
	ControlBoot     byte = 0x08
)

// Packet flag byte values.
const (
	FlagData    byte = 0x01
	FlagCommand byte = 0x02
	FlagEnd     byte = 0x80
)

// MaxPayload is the largest payload a single framed packet may carry.
const MaxPayload = 128

// Packet is one framed unit on the wire: FLAG, LENGTH, payload, checksum.
type Packet struct {
	Flag    byte
	Payload []byte
}

// Checksum computes the TU58 16-bit ones-complement, end-around-carry
// checksum over b (spec.md §4.E: "sum of all prior bytes including
// FLAG+LENGTH").
func Checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1])
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// Encode renders p as FLAG, LENGTH, payload, 16-bit little-endian checksum.
func (p Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("tu58proto: payload length %d exceeds %d", len(p.Payload), MaxPayload)
	}
	buf := make([]byte, 2+len(p.Payload)+2)
	buf[0] = p.Flag
	buf[1] = byte(len(p.Payload))
	copy(buf[2:], p.Payload)
	sum := Checksum(buf[:2+len(p.Payload)])
	binary.LittleEndian.PutUint16(buf[2+len(p.Payload):], sum)
	return buf, nil
}

// DecodePacket parses a complete framed packet (FLAG, LENGTH, payload,
// checksum) from b and verifies its checksum.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < 4 {
		return Packet{}, fmt.Errorf("tu58proto: packet too short (%d bytes)", len(b))
	}
	flag := b[0]
	length := int(b[1])
	if len(b) != 2+length+2 {
		return Packet{}, fmt.Errorf("tu58proto: packet length mismatch: header says %d, have %d bytes", length, len(b)-4)
	}
	want := binary.LittleEndian.Uint16(b[2+length:])
	got := Checksum(b[:2+length])
	if want != got {
		return Packet{}, fmt.Errorf("tu58proto: checksum mismatch: want %04x got %04x", want, got)
	}
	payload := make([]byte, length)
	copy(payload, b[2:2+length])
	return Packet{Flag: flag, Payload: payload}, nil
}

// Encoder builds little-endian protocol payloads, mirroring
// internal/proto/codec.go's Encoder in the teacher repository.
type Encoder struct {
	b []byte
}

func NewEncoder(capacity int) *Encoder {
	if capacity < 0 {
		capacity = 0
	}
	return &Encoder{b: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) WriteU8(v byte) { e.b = append(e.b, v) }

func (e *Encoder) WriteU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

// Decoder reads little-endian primitives from a byte slice.
type Decoder struct {
	b []byte
	o int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{b: b} }

func (d *Decoder) Remaining() int { return len(d.b) - d.o }

func (d *Decoder) ReadU8() (byte, error) {
	if d.Remaining() < 1 {
		return 0, fmt.Errorf("tu58proto: need 1 byte")
	}
	v := d.b[d.o]
	d.o++
	return v, nil
}

func (d *Decoder) ReadU16() (uint16, error) {
	if d.Remaining() < 2 {
		return 0, fmt.Errorf("tu58proto: need 2 bytes")
	}
	v := binary.LittleEndian.Uint16(d.b[d.o : d.o+2])
	d.o += 2
	return v, nil
}
