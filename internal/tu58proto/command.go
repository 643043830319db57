package tu58proto

// Opcodes carried in a COMMAND record (spec.md §4.E).
const (
	OpNOP       byte = 0x00
	OpInit      byte = 0x01
	OpRead      byte = 0x02
	OpWrite     byte = 0x03
	OpPosition  byte = 0x05
	OpDiagnose  byte = 0x07
	OpGetStatus byte = 0x08
	OpSetStatus byte = 0x09
	OpEnd       byte = 0x40
)

// End-packet success/error codes (spec.md §4.E, §4.F).
const (
	StatusSuccess       byte = 0x00
	StatusBadChecksum   byte = 0x02
	StatusDriveOffline  byte = 0xfe
	StatusGeneralError  byte = 0xff
)

// CommandRecordSize is the fixed size of a COMMAND payload in bytes.
const CommandRecordSize = 10

// Command is the 10-byte COMMAND record (spec.md §4.E).
type Command struct {
	Opcode      byte
	Modifier    byte
	Unit        byte
	Switches    byte
	Sequence    uint16
	ByteCount   uint16
	BlockNumber uint16
}

// Encode renders c as its 10-byte wire form.
func (c Command) Encode() []byte {
	e := NewEncoder(CommandRecordSize)
	e.WriteU8(c.Opcode)
	e.WriteU8(c.Modifier)
	e.WriteU8(c.Unit)
	e.WriteU8(c.Switches)
	e.WriteU16(c.Sequence)
	e.WriteU16(c.ByteCount)
	e.WriteU16(c.BlockNumber)
	return e.Bytes()
}

// DecodeCommand parses a 10-byte COMMAND payload.
func DecodeCommand(b []byte) (Command, error) {
	d := NewDecoder(b)
	var c Command
	var err error
	if c.Opcode, err = d.ReadU8(); err != nil {
		return Command{}, err
	}
	if c.Modifier, err = d.ReadU8(); err != nil {
		return Command{}, err
	}
	if c.Unit, err = d.ReadU8(); err != nil {
		return Command{}, err
	}
	if c.Switches, err = d.ReadU8(); err != nil {
		return Command{}, err
	}
	if c.Sequence, err = d.ReadU16(); err != nil {
		return Command{}, err
	}
	if c.ByteCount, err = d.ReadU16(); err != nil {
		return Command{}, err
	}
	if c.BlockNumber, err = d.ReadU16(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// EndRecord is the payload of a FlagEnd packet terminating a transfer.
type EndRecord struct {
	Opcode      byte // always OpEnd
	Modifier    byte
	Unit        byte
	Switches    byte
	Sequence    uint16
	Success     uint16 // status code, zero-extended into the byte-count slot
	BlockNumber uint16
}

func (r EndRecord) Encode() []byte {
	e := NewEncoder(CommandRecordSize)
	e.WriteU8(OpEnd)
	e.WriteU8(r.Modifier)
	e.WriteU8(r.Unit)
	e.WriteU8(r.Switches)
	e.WriteU16(r.Sequence)
	e.WriteU16(r.Success)
	e.WriteU16(r.BlockNumber)
	return e.Bytes()
}
