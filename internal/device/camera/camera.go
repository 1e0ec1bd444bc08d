// Package camera provides the frame source used at capture time. A
// Camera either reads the latest snapshot file written by an external
// capture process or, without one, draws a synthetic test pattern.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
)

// Synthetic frame size, 4:3 like the printed photo slot.
const (
	PatternWidth  = 640
	PatternHeight = 480
)

var ErrClosed = errors.New("camera closed")

// Camera is safe for concurrent use.
type Camera struct {
	mu     sync.Mutex
	path   string
	closed bool
	frames uint64
}

// Open acquires the camera. With a non-empty snapshotPath the file must
// exist; it is re-read on every Capture.
func Open(snapshotPath string) (*Camera, error) {
	if snapshotPath != "" {
		if _, err := os.Stat(snapshotPath); err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", apperr.ErrCapture, snapshotPath, err)
		}
	}
	return &Camera{path: snapshotPath}, nil
}

// Capture returns one frame. Errors wrap apperr.ErrCapture.
func (c *Camera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCapture, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: %w", apperr.ErrCapture, ErrClosed)
	}
	c.frames++

	if c.path == "" {
		return pattern(c.frames), nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCapture, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", apperr.ErrCapture, c.path, err)
	}
	return img, nil
}

// Close releases the camera. It is idempotent.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// pattern draws diagonal colour bands shifted by the frame number.
func pattern(n uint64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, PatternWidth, PatternHeight))
	shift := int(n % 256)
	for y := 0; y < PatternHeight; y++ {
		for x := 0; x < PatternWidth; x++ {
			v := uint8((x + y + shift) % 256)
			img.SetRGBA(x, y, color.RGBA{R: v, G: 255 - v, B: uint8(y * 255 / PatternHeight), A: 255})
		}
	}
	return img
}
