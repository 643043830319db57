package tu58proto

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort implements serialport.Port over a pair of in-memory pipes so
// tests can drive the session's protocol state machine without real RS-232
// hardware.
type fakePort struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *fakePort) Read(b []byte) (int, error)           { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error)          { return p.w.Write(b) }
func (p *fakePort) Close() error                         { p.r.Close(); return p.w.Close() }
func (p *fakePort) SetReadTimeout(d time.Duration) error { return nil }
func (p *fakePort) Drain() error                         { return nil }

// newLoopback builds two fakePorts wired so writes to one are reads on the
// other, mimicking a host and the emulator on opposite ends of a serial
// line.
func newLoopback() (host, emulator *fakePort) {
	hostReader, emulatorWriter := io.Pipe()
	emulatorReader, hostWriter := io.Pipe()
	host = &fakePort{r: hostReader, w: hostWriter}
	emulator = &fakePort{r: emulatorReader, w: emulatorWriter}
	return host, emulator
}

// fakeStore is a minimal in-memory UnitStore backing the session tests.
type fakeStore struct {
	mu     sync.Mutex
	blocks [][]byte
}

func newFakeStore(n int) *fakeStore {
	s := &fakeStore{blocks: make([][]byte, n)}
	for i := range s.blocks {
		s.blocks[i] = make([]byte, 512)
	}
	return s
}

func (s *fakeStore) ReadBlock(n int) ([]byte, error) {
	out := make([]byte, 512)
	copy(out, s.blocks[n])
	return out, nil
}
func (s *fakeStore) WriteBlock(n int, data []byte) error {
	copy(s.blocks[n], data)
	return nil
}
func (s *fakeStore) Blocks() int { return len(s.blocks) }
func (s *fakeStore) Lock()       { s.mu.Lock() }
func (s *fakeStore) Unlock()     { s.mu.Unlock() }

type fakeBank struct {
	store   *fakeStore
	offline bool
}

func (b *fakeBank) Unit(n int) (UnitStore, bool) {
	if n != 0 {
		return nil, false
	}
	return b.store, true
}
func (b *fakeBank) OfflineRequested() bool { return b.offline }

func TestSessionAnswersNOPWithSuccessEnd(t *testing.T) {
	host, emulator := newLoopback()
	bank := &fakeBank{store: newFakeStore(4)}
	s := New(emulator, bank, Options{NoSync: true}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cmd := Command{Opcode: OpNOP, Unit: 0, Sequence: 1}
	pkt := Packet{Flag: FlagCommand, Payload: cmd.Encode()}
	enc, err := pkt.Encode()
	require.NoError(t, err)
	_, err = host.Write(enc)
	require.NoError(t, err)

	end := readPacket(t, host)
	assert.Equal(t, FlagEnd, end.Flag)
	decoded, err := DecodeCommand(end.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusSuccess), decoded.ByteCount)
	assert.Equal(t, uint16(1), decoded.Sequence)

	cancel()
	host.Close()
}

func TestSessionReadReturnsStoredData(t *testing.T) {
	host, emulator := newLoopback()
	store := newFakeStore(4)
	copy(store.blocks[0], []byte("hello, tu58"))
	bank := &fakeBank{store: store}
	s := New(emulator, bank, Options{NoSync: true}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	cmd := Command{Opcode: OpRead, Unit: 0, Sequence: 2, ByteCount: 11, BlockNumber: 0}
	pkt := Packet{Flag: FlagCommand, Payload: cmd.Encode()}
	enc, err := pkt.Encode()
	require.NoError(t, err)
	_, err = host.Write(enc)
	require.NoError(t, err)

	data := readPacket(t, host)
	require.Equal(t, FlagData, data.Flag)
	assert.Equal(t, []byte("hello, tu58"), data.Payload)

	end := readPacket(t, host)
	assert.Equal(t, FlagEnd, end.Flag)

	cancel()
	host.Close()
}

func TestSessionWriteStoresReceivedData(t *testing.T) {
	host, emulator := newLoopback()
	store := newFakeStore(4)
	bank := &fakeBank{store: store}
	s := New(emulator, bank, Options{NoSync: true}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	payload := make([]byte, 512)
	copy(payload, []byte("written block"))
	cmd := Command{Opcode: OpWrite, Unit: 0, Sequence: 3, ByteCount: uint16(len(payload)), BlockNumber: 1}
	cmdPkt := Packet{Flag: FlagCommand, Payload: cmd.Encode()}
	enc, err := cmdPkt.Encode()
	require.NoError(t, err)
	_, err = host.Write(enc)
	require.NoError(t, err)

	// A DATA packet carries at most MaxPayload bytes, so the block goes out
	// as several packets.
	for off := 0; off < len(payload); off += MaxPayload {
		dataPkt := Packet{Flag: FlagData, Payload: payload[off : off+MaxPayload]}
		dataEnc, err := dataPkt.Encode()
		require.NoError(t, err)
		_, err = host.Write(dataEnc)
		require.NoError(t, err)

		// Drain the CONTINUE byte the session sends per chunk in non-MRSP mode.
		var cont [1]byte
		_, err = io.ReadFull(host, cont[:])
		require.NoError(t, err)
		assert.Equal(t, ControlContinue, cont[0])
	}

	end := readPacket(t, host)
	assert.Equal(t, FlagEnd, end.Flag)
	decoded, err := DecodeCommand(end.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusSuccess), decoded.ByteCount)

	store.mu.Lock()
	assert.Equal(t, payload, store.blocks[1])
	store.mu.Unlock()

	cancel()
	host.Close()
}

func TestSessionReadWithMRSPAwaitsContinuePerPayloadByte(t *testing.T) {
	host, emulator := newLoopback()
	store := newFakeStore(4)
	copy(store.blocks[0], []byte("hi"))
	bank := &fakeBank{store: store}
	s := New(emulator, bank, Options{NoSync: true, MRSP: true}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	cmd := Command{Opcode: OpRead, Unit: 0, Sequence: 4, ByteCount: 2, BlockNumber: 0}
	pkt := Packet{Flag: FlagCommand, Payload: cmd.Encode()}
	enc, err := pkt.Encode()
	require.NoError(t, err)
	_, err = host.Write(enc)
	require.NoError(t, err)

	// Header (flag, length) arrives as one block.
	var header [2]byte
	_, err = io.ReadFull(host, header[:])
	require.NoError(t, err)
	length := int(header[1])
	require.Equal(t, 2, length)

	// Each payload byte must be followed by a CONTINUE before the next one
	// appears on the wire; the checksum trails the last handshake.
	payload := make([]byte, length)
	for i := range payload {
		_, err := io.ReadFull(host, payload[i:i+1])
		require.NoError(t, err)
		_, err = host.Write([]byte{ControlContinue})
		require.NoError(t, err)
	}
	assert.Equal(t, []byte("hi"), payload)

	var checksum [2]byte
	_, err = io.ReadFull(host, checksum[:])
	require.NoError(t, err)

	end := readPacket(t, host)
	assert.Equal(t, FlagEnd, end.Flag)

	cancel()
	host.Close()
}

func TestSessionWriteWithMRSPEmitsContinuePerPayloadByte(t *testing.T) {
	host, emulator := newLoopback()
	store := newFakeStore(4)
	bank := &fakeBank{store: store}
	s := New(emulator, bank, Options{NoSync: true, MRSP: true}, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	payload := make([]byte, 512)
	copy(payload, []byte("mrsp write"))
	cmd := Command{Opcode: OpWrite, Unit: 0, Sequence: 5, ByteCount: uint16(len(payload)), BlockNumber: 2}
	cmdPkt := Packet{Flag: FlagCommand, Payload: cmd.Encode()}
	enc, err := cmdPkt.Encode()
	require.NoError(t, err)
	_, err = host.Write(enc)
	require.NoError(t, err)

	// The block goes out as MaxPayload-sized DATA packets.
	for off := 0; off < len(payload); off += MaxPayload {
		chunk := payload[off : off+MaxPayload]
		dataPkt := Packet{Flag: FlagData, Payload: chunk}
		dataEnc, err := dataPkt.Encode()
		require.NoError(t, err)
		_, err = host.Write(dataEnc)
		require.NoError(t, err)

		// One CONTINUE per payload byte, not one per packet.
		cont := make([]byte, len(chunk))
		_, err = io.ReadFull(host, cont)
		require.NoError(t, err)
		for _, b := range cont {
			assert.Equal(t, ControlContinue, b)
		}
	}

	end := readPacket(t, host)
	assert.Equal(t, FlagEnd, end.Flag)
	decoded, err := DecodeCommand(end.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(StatusSuccess), decoded.ByteCount)

	store.mu.Lock()
	assert.Equal(t, payload, store.blocks[2])
	store.mu.Unlock()

	cancel()
	host.Close()
}

func readPacket(t *testing.T, r io.Reader) Packet {
	t.Helper()
	var header [2]byte
	_, err := io.ReadFull(r, header[:])
	require.NoError(t, err)
	length := int(header[1])
	body := make([]byte, length+2)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	full := append(header[:], body...)
	pkt, err := DecodePacket(full)
	require.NoError(t, err)
	return pkt
}
