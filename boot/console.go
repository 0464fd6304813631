package boot

import "unsafe"

// serialWriteByte emits one byte on the boot serial port; its body lives
// in the platform's real-mode/protected-mode assembly alongside
// Stage1RealMode's other collaborators.
func serialWriteByte(b byte)

// vgaColumns/vgaRows are the legacy text-mode console's fixed geometry.
const (
	vgaColumns = 80
	vgaRows    = 25
)

// earlyConsole is a thin serial-plus-VGA-text writer used before the real
// device drivers (device/tty, device/video/console) are up: every byte is
// sent out the serial port and echoed into the VGA text buffer, memoizing
// the current cursor position and color attribute across writes the same
// way device/video/console's VgaTextConsole tracks its own cursor.
type earlyConsole struct {
	vgaBase uintptr
	cursor  uint16
	color   uint8
}

// NewEarlyConsole returns an io.Writer suitable for kfmt.SetOutputSink
// that duplicates output to the serial port and the VGA text buffer
// mapped at vgaBase, using color as the (foreground<<0 | background<<4)
// attribute byte for every character written.
func NewEarlyConsole(vgaBase uintptr, color uint8) *earlyConsole {
	return &earlyConsole{vgaBase: vgaBase, color: color}
}

// Write implements io.Writer.
func (c *earlyConsole) Write(p []byte) (int, error) {
	for _, b := range p {
		serialWriteByte(b)
		c.writeVGA(b)
	}
	return len(p), nil
}

func (c *earlyConsole) writeVGA(b byte) {
	if b == '\n' {
		c.cursor -= c.cursor % vgaColumns
		c.cursor += vgaColumns
		c.wrapIfNeeded()
		return
	}

	cell := uint16(b) | uint16(c.color)<<8
	*(*uint16)(unsafe.Pointer(c.vgaBase + uintptr(c.cursor)*2)) = cell
	c.cursor++
	c.wrapIfNeeded()
}

func (c *earlyConsole) wrapIfNeeded() {
	if c.cursor >= vgaColumns*vgaRows {
		c.cursor = 0
	}
}
