// Package render composites a captured photo into the newspaper
// template and writes the printable PNG.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/iliamunaev/photo-kiosk/internal/apperr"
	"github.com/iliamunaev/photo-kiosk/internal/model"
)

// Layout of the default template.
const (
	CanvasWidth  = 876
	CanvasHeight = 1072
)

// DefaultFontSize is the annotation size in points at 72 DPI.
const DefaultFontSize = 15

var (
	// PhotoSlot is where the scaled photo is pasted.
	PhotoSlot = image.Rect(210, 250, 210+448, 250+336)

	datePos     = image.Pt(5, 5)
	weatherPos  = image.Pt(300, 5)
	headlinePos = image.Pt(600, 5)
	footerPos   = image.Pt(5, CanvasHeight-20)
)

// Compositor is safe for concurrent use.
type Compositor struct {
	templatePath string
	outputDir    string
	fontPath     string
	fontSize     float64
	log          *slog.Logger
	template     func() (image.Image, error)
	face         func() font.Face

	// font.Face implementations from opentype are not safe for
	// concurrent use.
	textMu sync.Mutex
}

type Option func(*Compositor)

func WithLogger(l *slog.Logger) Option {
	return func(c *Compositor) { c.log = l }
}

// WithFont draws annotations with the TrueType/OpenType font (or the
// first font of a collection) at path. A size <= 0 means
// DefaultFontSize. When the font cannot be loaded the built-in 7x13
// face is used, which has no CJK glyphs.
func WithFont(path string, size float64) Option {
	return func(c *Compositor) {
		c.fontPath = path
		c.fontSize = size
	}
}

// New returns a Compositor. An empty or missing template falls back to
// a blank white canvas; an unreadable one fails every Composite.
func New(templatePath, outputDir string, opts ...Option) *Compositor {
	c := &Compositor{
		templatePath: templatePath,
		outputDir:    outputDir,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fontSize <= 0 {
		c.fontSize = DefaultFontSize
	}
	c.template = sync.OnceValues(c.loadTemplate)
	c.face = sync.OnceValue(c.loadFace)
	return c
}

// Composite renders photo with ann and returns the written file path.
// Errors wrap apperr.ErrComposite.
func (c *Compositor) Composite(ctx context.Context, photo image.Image, ann model.Annotations) (string, error) {
	if photo == nil {
		return "", fmt.Errorf("%w: no photo", apperr.ErrComposite)
	}
	tmpl, err := c.template()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrComposite, err)
	}

	canvas := image.NewRGBA(tmpl.Bounds())
	draw.Draw(canvas, canvas.Bounds(), tmpl, tmpl.Bounds().Min, draw.Src)
	draw.ApproxBiLinear.Scale(canvas, PhotoSlot, photo, photo.Bounds(), draw.Src, nil)

	taken := ann.Taken
	if taken.IsZero() {
		taken = time.Now()
	}
	c.annotate(canvas, taken, ann)

	path, err := c.save(canvas, ann.OrderID, taken)
	if err != nil {
		return "", err
	}
	c.log.Info("composite written", "path", path, "order_id", ann.OrderID)
	return path, nil
}

func (c *Compositor) loadTemplate() (image.Image, error) {
	if c.templatePath == "" {
		return blank(), nil
	}
	f, err := os.Open(c.templatePath)
	if os.IsNotExist(err) {
		c.log.Warn("template not found, using blank canvas", "path", c.templatePath)
		return blank(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open template: %v", apperr.ErrComposite, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode template %s: %v", apperr.ErrComposite, c.templatePath, err)
	}
	return img, nil
}

func (c *Compositor) loadFace() font.Face {
	if c.fontPath == "" {
		return basicfont.Face7x13
	}
	data, err := os.ReadFile(c.fontPath)
	if err != nil {
		c.log.Warn("font not readable, using built-in face", "path", c.fontPath, "err", err)
		return basicfont.Face7x13
	}
	f, err := opentype.Parse(data)
	if err != nil {
		coll, cerr := opentype.ParseCollection(data)
		if cerr != nil {
			c.log.Warn("font not parsable, using built-in face", "path", c.fontPath, "err", err)
			return basicfont.Face7x13
		}
		if f, err = coll.Font(0); err != nil {
			c.log.Warn("font collection empty, using built-in face", "path", c.fontPath, "err", err)
			return basicfont.Face7x13
		}
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: c.fontSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		c.log.Warn("font face failed, using built-in face", "path", c.fontPath, "err", err)
		return basicfont.Face7x13
	}
	return face
}

func (c *Compositor) annotate(dst draw.Image, taken time.Time, ann model.Annotations) {
	face := c.face()
	c.textMu.Lock()
	defer c.textMu.Unlock()

	drawText(dst, face, datePos, "Date: "+taken.Format("2006-01-02"))
	if ann.Weather != "" {
		drawText(dst, face, weatherPos, "Weather: "+ann.Weather)
	}
	if ann.Headline != "" {
		drawText(dst, face, headlinePos, ann.Headline)
	}
	if ann.OrderID != "" {
		drawText(dst, face, footerPos, "No. "+ann.OrderID)
	}
}

// save writes through a temp file so a reader never sees a partial PNG.
func (c *Compositor) save(img image.Image, orderID string, taken time.Time) (string, error) {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: output dir: %v", apperr.ErrComposite, err)
	}
	name := "newspaper_" + taken.Format("20060102_150405")
	if orderID != "" {
		name += "_" + orderID
	}
	path := filepath.Join(c.outputDir, name+".png")

	tmp, err := os.CreateTemp(c.outputDir, ".render-*.png")
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrComposite, err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: encode: %v", apperr.ErrComposite, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrComposite, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrComposite, err)
	}
	return path, nil
}

func blank() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, CanvasWidth, CanvasHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

// drawText writes s with its top-left corner at p.
func drawText(dst draw.Image, face font.Face, p image.Point, s string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(p.X, p.Y).Add(fixed.Point26_6{Y: face.Metrics().Ascent}),
	}
	d.DrawString(s)
}
