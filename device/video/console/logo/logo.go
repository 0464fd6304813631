// Package logo contains logos that can be used with a framebuffer console.
package logo

import "image/color"

// ConsoleLogo defines the logo used by framebuffer consoles. If set to nil
// then no logo will be displayed.
var ConsoleLogo *Image

var (
	// The list of available logos.
	availableLogos []*Image
)

// Alignment defines the supported horizontal alignments for a console logo.
type Alignment uint8

const (
	// AlignLeft aligns the logo to the left side of the console.
	AlignLeft Alignment = iota

	// AlignCenter aligns the logo to the center of the console.
	AlignCenter

	// AlignRight aligns the logo to the right side of the console.
	AlignRight
)

// Image describes an 8bpp image with
type Image struct {
	// The width and height of the logo in pixels.
	Width  uint32
	Height uint32

	// Align specifies the horizontal alignment for the logo.
	Align Alignment

	// TransparentIndex defines a color index that will be treated as
	// transparent when drawing the logo.
	TransparentIndex uint8

	// The palette for the logo. The console remaps the palette
	// entries to the end of its own palette.
	Palette []color.RGBA

	// The logo data comprises of Width*Height bytes where each byte
	// represents an index in the logo palette.
	Data []uint8
}

// BestFit returns the largest registered logo whose height fits within a
// tenth of the console's smaller dimension, so the logo never dominates a
// small framebuffer. If none fit, the smallest registered logo is returned
// instead. BestFit returns nil if no logos are registered.
func BestFit(consoleWidth, consoleHeight uint32) *Image {
	minDim := consoleWidth
	if consoleHeight < minDim {
		minDim = consoleHeight
	}
	threshold := minDim / 10

	var smallest, best *Image
	for _, l := range availableLogos {
		if smallest == nil || l.Height < smallest.Height {
			smallest = l
		}
		if l.Height <= threshold && (best == nil || l.Height > best.Height) {
			best = l
		}
	}

	if best != nil {
		return best
	}
	return smallest
}
