// Package uart drives the platform's 8250-compatible UART: single-byte
// MMIO reads and writes gated by polling the line status register. This
// is the kernel's only connection to the outside world once booted, used
// both for fmt.Fprintf diagnostics and for the debug console's line
// input.
package uart

import (
	"unsafe"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/bitfield"
)

// Register offsets from the UART's base address.
const (
	offsetRBR = 0x00 // receiver buffer register (read)
	offsetTHR = 0x00 // transmitter holding register (write)
	offsetLCR = 0x0C // line control register
	offsetLSR = 0x14 // line status register
)

const (
	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
)

// Port is a byte-oriented view over one 8250 UART's MMIO registers. The
// zero value is not usable; build one with New.
type Port struct {
	base uintptr
}

// New returns a Port for the UART whose registers start at base.
func New(base uintptr) *Port {
	return &Port{base: base}
}

func (p *Port) reg(offset uintptr) *byte {
	return (*byte)(unsafe.Pointer(p.base + offset))
}

func (p *Port) load(offset uintptr) byte     { return *p.reg(offset) }
func (p *Port) store(offset uintptr, v byte) { *p.reg(offset) = v }

// dataReady reports whether the LSR's data-ready bit is set.
func (p *Port) dataReady() bool {
	return p.load(offsetLSR)&lsrDataReady != 0
}

// transmitterEmpty reports whether the LSR's THR-empty bit is set.
func (p *Port) transmitterEmpty() bool {
	return p.load(offsetLSR)&lsrTHREmpty != 0
}

// ReadByte blocks until a byte is available and returns it, satisfying
// io.ByteReader. It never errors: a real UART always eventually has a
// byte once something is typed, and there is no timeout concept at this
// layer.
func (p *Port) ReadByte() (byte, error) {
	for !p.dataReady() {
	}
	return p.load(offsetRBR), nil
}

// WriteByte blocks until the transmit holding register is empty, then
// writes c, satisfying io.ByteWriter.
func (p *Port) WriteByte(c byte) error {
	for !p.transmitterEmpty() {
	}
	p.store(offsetTHR, c)
	return nil
}

// Write writes every byte of b in order, satisfying io.Writer so the
// port can be handed straight to fmt.Fprintf for diagnostics.
func (p *Port) Write(b []byte) (int, error) {
	for _, c := range b {
		if err := p.WriteByte(c); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

// LineControl names the LCR register's fields instead of a hand-maintained
// shift/mask table; SetLineControl packs it with internal/bitfield.
type LineControl struct {
	WordLength         uint8 `bitfield:",2"` // 0=5 bits .. 3=8 bits
	StopBits           bool  `bitfield:",1"` // true: 1.5/2 stop bits
	ParityEnable       bool  `bitfield:",1"`
	ParityEven         bool  `bitfield:",1"`
	StickParity        bool  `bitfield:",1"`
	SetBreak           bool  `bitfield:",1"`
	DivisorLatchAccess bool  `bitfield:",1"`
}

// SetLineControl packs lc into the LCR register; used once at boot,
// before any byte traffic.
func (p *Port) SetLineControl(lc LineControl) error {
	word, err := bitfield.Pack(lc, 8)
	if err != nil {
		return err
	}
	p.store(offsetLCR, byte(word))
	return nil
}
