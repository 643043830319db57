package tu58proto

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"tu58fs/internal/serialport"
)

// State is one of the protocol session states from spec.md §4.E.
type State int

const (
	StateUninit State = iota
	StateIdle
	StateRxCommand
	StateRxData
	StateTxData
	StateEndPending
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRxCommand:
		return "RxCommand"
	case StateRxData:
		return "RxData"
	case StateTxData:
		return "TxData"
	case StateEndPending:
		return "EndPending"
	case StateOffline:
		return "Offline"
	default:
		return "Uninit"
	}
}

// UnitStore is the per-unit block storage a session reads and writes.
// *blockimage.Image satisfies this directly.
type UnitStore interface {
	ReadBlock(n int) ([]byte, error)
	WriteBlock(n int, data []byte) error
	Blocks() int
	Lock()
	Unlock()
}

// Bank resolves a unit number to its backing store. internal/drive
// implements this over its eight-unit array so that tu58proto never needs
// to import internal/drive or internal/blockimage directly.
type Bank interface {
	Unit(n int) (UnitStore, bool)
	// OfflineRequested reports and, if latched, reports the drive-offline
	// request flag shared with the controller (spec.md §4.E/§4.F).
	OfflineRequested() bool
}

// Options configures the session's wire-level behavior (spec.md §4.E/§6).
type Options struct {
	NoSync         bool
	MRSP           bool
	Timing         int // 0, 1, or 2
	VAX            bool
	OfflineTimeout time.Duration
}

// Session runs the TU58 protocol state machine over one serial port against
// one drive bank.
type Session struct {
	port serialport.Port
	bank Bank
	opts Options
	log  *log.Logger

	state        State
	lastActivity time.Time
}

// New creates a session in the Uninit state.
func New(port serialport.Port, bank Bank, opts Options, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{port: port, bank: bank, opts: opts, log: logger, state: StateUninit}
}

// State returns the session's current state, for diagnostics.
func (s *Session) State() State { return s.state }

// Run implements tu58_server (spec.md §4.F): serves the protocol session
// until ctx is cancelled. Serial I/O errors are logged and retried;
// protocol errors answer with an END-with-error and the loop continues.
func (s *Session) Run(ctx context.Context) error {
	if err := s.startup(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx); err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return err
			}
			s.log.Printf("tu58proto: session error: %v", err)
		}
	}
}

func (s *Session) startup(ctx context.Context) error {
	if s.opts.NoSync {
		s.state = StateIdle
		s.lastActivity = time.Now()
		return nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := s.port.Write([]byte{ControlInit}); err != nil {
			return fmt.Errorf("tu58proto: startup write: %w", err)
		}
	}
	_ = s.port.SetReadTimeout(2 * time.Second)
	b, err := s.readByte(ctx)
	if err == nil && b == ControlInit {
		s.log.Printf("tu58proto: INIT handshake complete")
	} else {
		s.log.Printf("tu58proto: no INIT echo received, proceeding anyway")
	}
	s.state = StateIdle
	s.lastActivity = time.Now()
	return nil
}

// step processes exactly one unit of protocol activity: either servicing
// the offline-request/offline-timeout condition, or reading and dispatching
// one COMMAND.
func (s *Session) step(ctx context.Context) error {
	if s.state == StateOffline {
		return s.serveOffline(ctx)
	}

	if s.bank.OfflineRequested() && time.Since(s.lastActivity) >= s.opts.OfflineTimeout {
		s.log.Printf("tu58proto: entering Offline (idle %v)", time.Since(s.lastActivity))
		s.state = StateOffline
		return nil
	}

	_ = s.port.SetReadTimeout(200 * time.Millisecond)
	flag, err := s.readByte(ctx)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return err
	}
	s.lastActivity = time.Now()

	switch flag {
	case ControlInit:
		s.log.Printf("tu58proto: INIT received, resetting to Idle")
		s.state = StateIdle
		return nil
	case FlagCommand:
		return s.handleCommandPacket(ctx)
	default:
		return fmt.Errorf("tu58proto: unexpected byte %#02x while Idle", flag)
	}
}

func (s *Session) serveOffline(ctx context.Context) error {
	_ = s.port.SetReadTimeout(200 * time.Millisecond)
	flag, err := s.readByte(ctx)
	if err != nil {
		if isTimeout(err) {
			if !s.bank.OfflineRequested() {
				s.log.Printf("tu58proto: leaving Offline")
				s.state = StateIdle
				s.lastActivity = time.Now()
			}
			return nil
		}
		return err
	}
	if flag == FlagCommand {
		// Drain and reject: packets are dropped, answered with
		// StatusDriveOffline (spec.md §4.E).
		pkt, err := s.readRestOfPacket(ctx, flag)
		if err != nil {
			return err
		}
		cmd, err := DecodeCommand(pkt.Payload)
		if err == nil {
			s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusDriveOffline)})
		}
	}
	return nil
}

func (s *Session) handleCommandPacket(ctx context.Context) error {
	pkt, err := s.readRestOfPacket(ctx, FlagCommand)
	if err != nil {
		s.sendEnd(EndRecord{Success: uint16(StatusBadChecksum)})
		s.state = StateIdle
		return err
	}
	cmd, err := DecodeCommand(pkt.Payload)
	if err != nil {
		s.sendEnd(EndRecord{Success: uint16(StatusBadChecksum)})
		s.state = StateIdle
		return err
	}

	switch cmd.Opcode {
	case OpNOP, OpInit, OpDiagnose, OpGetStatus, OpSetStatus:
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusSuccess)})
		s.state = StateIdle
		return nil
	case OpPosition:
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusSuccess), BlockNumber: cmd.BlockNumber})
		s.state = StateIdle
		return nil
	case OpRead:
		return s.doRead(ctx, cmd)
	case OpWrite:
		return s.doWrite(ctx, cmd)
	default:
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusGeneralError)})
		s.state = StateIdle
		return fmt.Errorf("tu58proto: unknown opcode %#02x", cmd.Opcode)
	}
}

func (s *Session) doRead(ctx context.Context, cmd Command) error {
	store, ok := s.bank.Unit(int(cmd.Unit))
	if !ok {
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusGeneralError)})
		s.state = StateIdle
		return fmt.Errorf("tu58proto: read from unconfigured unit %d", cmd.Unit)
	}
	s.state = StateTxData

	store.Lock()
	remaining := int(cmd.ByteCount)
	block := int(cmd.BlockNumber)
	blocksSent := 0
	var sendErr error
	for remaining > 0 {
		data, err := store.ReadBlock(block)
		if err != nil {
			sendErr = err
			break
		}
		n := remaining
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		if err := s.sendDataInChunks(ctx, chunk); err != nil {
			sendErr = err
			break
		}
		remaining -= n
		block++
		blocksSent++
	}
	store.Unlock()

	if sendErr != nil {
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusGeneralError)})
		s.state = StateIdle
		return sendErr
	}
	s.state = StateEndPending
	s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusSuccess), BlockNumber: uint16(blocksSent)})
	s.state = StateIdle
	return nil
}

func (s *Session) sendDataInChunks(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > MaxPayload {
			n = MaxPayload
		}
		chunk := data[:n]
		data = data[n:]
		if err := s.sendDataPacket(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendDataPacket writes one DATA packet. In MRSP mode (spec.md §4.E) the
// handshake is per payload byte: the header goes out, then each payload
// byte is followed by a CONTINUE before the next one is sent, then the
// checksum closes the frame. Outside MRSP the whole packet goes out as one
// write.
func (s *Session) sendDataPacket(ctx context.Context, chunk []byte) error {
	pkt := Packet{Flag: FlagData, Payload: chunk}
	enc, err := pkt.Encode()
	if err != nil {
		return err
	}
	s.applyTimingDelay()
	if !s.opts.MRSP {
		_, err := s.port.Write(enc)
		return err
	}
	const headerLen = 2
	if _, err := s.port.Write(enc[:headerLen]); err != nil {
		return err
	}
	for i := 0; i < len(chunk); i++ {
		if _, err := s.port.Write(enc[headerLen+i : headerLen+i+1]); err != nil {
			return err
		}
		if err := s.awaitContinue(ctx); err != nil {
			return err
		}
	}
	_, err = s.port.Write(enc[headerLen+len(chunk):])
	return err
}

func (s *Session) doWrite(ctx context.Context, cmd Command) error {
	store, ok := s.bank.Unit(int(cmd.Unit))
	if !ok {
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusGeneralError)})
		s.state = StateIdle
		return fmt.Errorf("tu58proto: write to unconfigured unit %d", cmd.Unit)
	}
	s.state = StateRxData

	remaining := int(cmd.ByteCount)
	block := int(cmd.BlockNumber)
	var received []byte
	for remaining > 0 {
		flag, err := s.readByte(ctx)
		if err != nil {
			s.state = StateIdle
			return err
		}
		if flag != FlagData {
			s.state = StateIdle
			return fmt.Errorf("tu58proto: expected DATA packet during write, got flag %#02x", flag)
		}
		pkt, err := s.readRestOfPacket(ctx, flag)
		if err != nil {
			s.state = StateIdle
			return err
		}
		received = append(received, pkt.Payload...)
		remaining -= len(pkt.Payload)
		if err := s.ackDataPacket(len(pkt.Payload)); err != nil {
			s.state = StateIdle
			return err
		}
	}

	store.Lock()
	var writeErr error
	off := 0
	for off < len(received) {
		end := off + blockimageBlockSize
		if end > len(received) {
			buf := make([]byte, blockimageBlockSize)
			copy(buf, received[off:])
			writeErr = store.WriteBlock(block, buf)
		} else {
			writeErr = store.WriteBlock(block, received[off:end])
		}
		if writeErr != nil {
			break
		}
		block++
		off = end
	}
	store.Unlock()

	s.state = StateEndPending
	if writeErr != nil {
		s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusGeneralError)})
		s.state = StateIdle
		return writeErr
	}
	s.sendEnd(EndRecord{Unit: cmd.Unit, Sequence: cmd.Sequence, Success: uint16(StatusSuccess)})
	s.state = StateIdle
	return nil
}

// blockimageBlockSize is a whole multiple of MaxPayload (512 % 128 == 0),
// so every block splits into whole DATA packets.
const blockimageBlockSize = 512

func (s *Session) sendEnd(r EndRecord) {
	pkt := Packet{Flag: FlagEnd, Payload: r.Encode()}
	enc, err := pkt.Encode()
	if err != nil {
		s.log.Printf("tu58proto: failed to encode END: %v", err)
		return
	}
	if _, err := s.port.Write(enc); err != nil {
		s.log.Printf("tu58proto: failed to write END: %v", err)
	}
}

// ackDataPacket acknowledges a received DATA packet. In MRSP mode the
// acknowledgement is one CONTINUE per payload byte (spec.md §4.E); outside
// MRSP a single CONTINUE closes out the whole packet.
func (s *Session) ackDataPacket(payloadLen int) error {
	if !s.opts.MRSP {
		_, err := s.port.Write([]byte{ControlContinue})
		return err
	}
	for i := 0; i < payloadLen; i++ {
		if _, err := s.port.Write([]byte{ControlContinue}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) awaitContinue(ctx context.Context) error {
	_ = s.port.SetReadTimeout(2 * time.Second)
	b, err := s.readByte(ctx)
	if err != nil {
		return err
	}
	if b != ControlContinue {
		return fmt.Errorf("tu58proto: expected CONTINUE, got %#02x", b)
	}
	return nil
}

// applyTimingDelay implements spec.md §4.E's timing knobs.
func (s *Session) applyTimingDelay() {
	if s.opts.VAX {
		return
	}
	switch s.opts.Timing {
	case 1:
		time.Sleep(2 * time.Millisecond)
	case 2:
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Session) readByte(ctx context.Context) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf [1]byte
	_, err := io.ReadFull(s.port, buf[:])
	return buf[0], err
}

func (s *Session) readRestOfPacket(ctx context.Context, flag byte) (Packet, error) {
	lenByte, err := s.readByte(ctx)
	if err != nil {
		return Packet{}, err
	}
	length := int(lenByte)
	body := make([]byte, length+2)
	if _, err := io.ReadFull(s.port, body); err != nil {
		return Packet{}, err
	}
	full := make([]byte, 0, 2+length+2)
	full = append(full, flag, lenByte)
	full = append(full, body...)
	return DecodePacket(full)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
