package tu58proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	c := Command{
		Opcode:      OpRead,
		Modifier:    0,
		Unit:        3,
		Switches:    0,
		Sequence:    7,
		ByteCount:   512,
		BlockNumber: 42,
	}
	got, err := DecodeCommand(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestCommandEncodeFixedLength(t *testing.T) {
	c := Command{Opcode: OpWrite}
	assert.Len(t, c.Encode(), CommandRecordSize)
}

func TestDecodeCommandRejectsShortInput(t *testing.T) {
	_, err := DecodeCommand(make([]byte, CommandRecordSize-1))
	assert.Error(t, err)
}

func TestEndRecordEncodesOpcodeAndStatus(t *testing.T) {
	r := EndRecord{Modifier: 1, Unit: 2, Sequence: 9, Success: StatusBadChecksum, BlockNumber: 5}
	b := r.Encode()
	require.Len(t, b, CommandRecordSize)
	assert.Equal(t, OpEnd, b[0])

	decoded, err := DecodeCommand(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusBadChecksum), decoded.ByteCount)
}
