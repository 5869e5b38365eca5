// Package compositor replaces the background of a video stream frame by
// frame.  It is a pull-based stage in a pion/mediadevices video.Reader chain:
// wrap the raw capture reader, and every Read returns the raw subject
// composited over the selected background (a static image, aspect-fit and
// letterboxed, or a blurred duplicate of the raw frame).
//
// Segmentation models disagree about mask polarity — some emit high values
// for the subject, some for the background.  The compositor probes a few
// fixed sample regions across the first valid masks to infer which way the
// active model leans, locks that polarity for the session, and flips once if
// the initial choice produces an empty composite.
package compositor

import (
	"image"
	"image/draw"
	"io"
	"log"
	"sync"

	"github.com/pion/mediadevices/pkg/io/video"
	xdraw "golang.org/x/image/draw"
)

// Segmenter produces a per-pixel foreground-likelihood mask for a frame.
// Mask polarity is deliberately unspecified; see the probe below.
type Segmenter interface {
	Segment(frame image.Image) (*image.Gray, error)
}

// Kind selects the background treatment.
type Kind string

const (
	KindNone  Kind = "none"  // passthrough, no compositing
	KindBlur  Kind = "blur"  // blurred duplicate of the raw frame
	KindImage Kind = "image" // static image, aspect-fit with letterboxing
)

// Profile is a resolved background selection.
type Profile struct {
	Kind  Kind
	Image image.Image // required for KindImage
}

// Tuned for the current segmentation backend; a different model needs its own
// sample regions and thresholds.
const (
	probeFrames   = 3    // valid masks consumed before polarity locks
	emptyCoverage = 0.02 // composite below this foreground fraction is "empty"
	blurShrink    = 4    // downscale factor before blurring
	blurRadius    = 2
	blurPasses    = 2
)

// Compositor wraps a raw video.Reader and emits composited frames.
// Not safe for concurrent Reads; one consumer pulls the chain, matching the
// single-loop model of the rest of the call core.
type Compositor struct {
	src  video.Reader
	seg  Segmenter
	prof Profile

	mu     sync.Mutex
	closed bool

	started     chan struct{}
	startedOnce sync.Once

	// Polarity probe state.
	probeCount  int
	centerAcc   float64
	borderAcc   float64
	locked      bool
	highIsFG    bool
	flipSpent   bool // the one-shot polarity fallback has been used
	segDead     bool // Segment failed; passthrough for the session
	segDeadOnce sync.Once

	out      *image.RGBA // reused output buffer
	bgCache  *image.RGBA // scaled background, valid for bgBounds
	bgBounds image.Rectangle
	last     image.Image // most recent emitted frame, for not-ready skips
}

// New wraps src.  seg may be nil (or fail later): the compositor then
// passes raw frames through without ever halting the output loop.
func New(src video.Reader, seg Segmenter, prof Profile) *Compositor {
	return &Compositor{
		src:     src,
		seg:     seg,
		prof:    prof,
		started: make(chan struct{}),
	}
}

// Started is closed once the compositor has emitted at least one real frame.
// Callers must not hand the output track to peers before this fires — an
// unstarted output is indistinguishable from a frozen track downstream.
func (c *Compositor) Started() <-chan struct{} { return c.started }

// Close stops the compositor: subsequent Reads return io.EOF, which unwinds
// whatever encode loop is pulling the chain.  The underlying source reader is
// left open — its owner closes it.  Idempotent.
func (c *Compositor) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Read implements video.Reader.
func (c *Compositor) Read() (image.Image, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, io.EOF
	}
	c.mu.Unlock()

	img, release, err := c.src.Read()
	if err != nil {
		return nil, nil, err
	}
	if img == nil {
		// Source not ready yet — skip, don't crash.  Repeat the previous
		// frame if there is one so consumers keep ticking.
		if release != nil {
			release()
		}
		if c.last != nil {
			return c.last, func() {}, nil
		}
		return nil, nil, io.ErrNoProgress
	}

	out := c.process(img)
	if release != nil {
		release()
	}

	c.last = out
	c.startedOnce.Do(func() { close(c.started) })
	return out, func() {}, nil
}

// process returns the composited (or passthrough) frame for img.
func (c *Compositor) process(img image.Image) image.Image {
	if c.prof.Kind == KindNone || c.seg == nil || c.segDead {
		return c.copyFrame(img)
	}

	mask, err := c.seg.Segment(img)
	if err != nil || mask == nil {
		c.segDeadOnce.Do(func() {
			c.segDead = true
			log.Printf("COMPOSITOR: segmentation unavailable, passthrough: %v", err)
		})
		return c.copyFrame(img)
	}

	if !c.locked {
		c.probe(mask)
		if !c.locked {
			return c.copyFrame(img)
		}
	}

	frame := c.copyFrame(img)
	composited, coverage := c.composite(frame, mask, c.highIsFG)
	if coverage < emptyCoverage && !c.flipSpent {
		// Initial polarity choice yielded an empty composite — flip once.
		c.flipSpent = true
		c.highIsFG = !c.highIsFG
		log.Printf("COMPOSITOR: empty composite (%.1f%% coverage), flipping mask polarity", coverage*100)
		composited, _ = c.composite(frame, mask, c.highIsFG)
	}
	return composited
}

// probe accumulates mask statistics from fixed regions: a center box, where
// the subject of a call almost always sits, against the four corners, which
// are almost always background.  Whichever reads higher wins.
func (c *Compositor) probe(mask *image.Gray) {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 8 || h < 8 {
		return
	}

	center := image.Rect(
		b.Min.X+w*2/5, b.Min.Y+h*2/5,
		b.Min.X+w*3/5, b.Min.Y+h*3/5,
	)
	cw, ch := w/10, h/10
	corners := []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+cw, b.Min.Y+ch),
		image.Rect(b.Max.X-cw, b.Min.Y, b.Max.X, b.Min.Y+ch),
		image.Rect(b.Min.X, b.Max.Y-ch, b.Min.X+cw, b.Max.Y),
		image.Rect(b.Max.X-cw, b.Max.Y-ch, b.Max.X, b.Max.Y),
	}

	c.centerAcc += meanGray(mask, center)
	var borders float64
	for _, r := range corners {
		borders += meanGray(mask, r)
	}
	c.borderAcc += borders / float64(len(corners))

	c.probeCount++
	if c.probeCount >= probeFrames {
		c.highIsFG = c.centerAcc >= c.borderAcc
		c.locked = true
		log.Printf("COMPOSITOR: mask polarity locked after %d frames (high=foreground: %v)",
			c.probeCount, c.highIsFG)
	}
}

// composite blends frame over the selected background using mask, returning
// the result and the foreground coverage fraction.
func (c *Compositor) composite(frame *image.RGBA, mask *image.Gray, highIsFG bool) (*image.RGBA, float64) {
	bounds := frame.Bounds()
	bg := c.background(frame)
	out := image.NewRGBA(bounds)

	m := mask
	if m.Bounds() != bounds {
		m = scaleMask(mask, bounds)
	}

	var fgPixels, total int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		fo := frame.PixOffset(bounds.Min.X, y)
		bo := bg.PixOffset(bounds.Min.X, y)
		oo := out.PixOffset(bounds.Min.X, y)
		mo := m.PixOffset(bounds.Min.X, y)
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			a := uint32(m.Pix[mo])
			if !highIsFG {
				a = 255 - a
			}
			if a > 128 {
				fgPixels++
			}
			total++
			inv := 255 - a
			out.Pix[oo+0] = uint8((uint32(frame.Pix[fo+0])*a + uint32(bg.Pix[bo+0])*inv) / 255)
			out.Pix[oo+1] = uint8((uint32(frame.Pix[fo+1])*a + uint32(bg.Pix[bo+1])*inv) / 255)
			out.Pix[oo+2] = uint8((uint32(frame.Pix[fo+2])*a + uint32(bg.Pix[bo+2])*inv) / 255)
			out.Pix[oo+3] = 255
			fo += 4
			bo += 4
			oo += 4
			mo++
		}
	}
	if total == 0 {
		return out, 0
	}
	return out, float64(fgPixels) / float64(total)
}

// background returns the background layer for this frame size: the scaled
// static image (cached per size), a blurred duplicate of the frame, or the
// frame itself when no treatment applies.
func (c *Compositor) background(frame *image.RGBA) *image.RGBA {
	switch c.prof.Kind {
	case KindImage:
		if c.prof.Image == nil {
			return frame
		}
		if c.bgCache == nil || c.bgBounds != frame.Bounds() {
			c.bgCache = letterbox(c.prof.Image, frame.Bounds())
			c.bgBounds = frame.Bounds()
		}
		return c.bgCache
	case KindBlur:
		return blurFrame(frame)
	default:
		return frame
	}
}

// copyFrame converts any image into a fresh RGBA buffer.  The source buffer
// belongs to the capture driver and is released right after process returns.
func (c *Compositor) copyFrame(img image.Image) *image.RGBA {
	b := img.Bounds()
	if c.out == nil || c.out.Bounds() != b {
		c.out = image.NewRGBA(b)
	}
	draw.Draw(c.out, b, img, b.Min, draw.Src)
	return c.out
}

// letterbox scales src to fit inside bounds preserving aspect ratio,
// centered over black bars.
func letterbox(src image.Image, bounds image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(bounds)
	// Implicit black fill: NewRGBA zeroes pixels, alpha forced below.
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}

	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	dw, dh := bounds.Dx(), bounds.Dy()
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return dst
	}

	// Fit: the larger relative dimension constrains the scale.
	fw, fh := dw, sh*dw/sw
	if fh > dh {
		fw, fh = sw*dh/sh, dh
	}
	x0 := bounds.Min.X + (dw-fw)/2
	y0 := bounds.Min.Y + (dh-fh)/2
	fit := image.Rect(x0, y0, x0+fw, y0+fh)

	xdraw.ApproxBiLinear.Scale(dst, fit, src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// blurFrame produces a cheap strong blur: downscale, box-blur, upscale.
func blurFrame(frame *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	small := image.NewRGBA(image.Rect(0, 0, maxInt(1, b.Dx()/blurShrink), maxInt(1, b.Dy()/blurShrink)))
	xdraw.ApproxBiLinear.Scale(small, small.Bounds(), frame, b, xdraw.Src, nil)
	for i := 0; i < blurPasses; i++ {
		boxBlurRGBA(small, blurRadius)
	}
	out := image.NewRGBA(b)
	xdraw.ApproxBiLinear.Scale(out, b, small, small.Bounds(), xdraw.Src, nil)
	return out
}

// boxBlurRGBA blurs img in place with a horizontal then vertical box pass.
func boxBlurRGBA(img *image.RGBA, radius int) {
	if radius < 1 {
		return
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	tmp := make([]uint8, len(img.Pix))

	// Horizontal pass: img -> tmp.
	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			var r, g, bl, n uint32
			for k := -radius; k <= radius; k++ {
				xi := x + k
				if xi < 0 || xi >= w {
					continue
				}
				o := row + xi*4
				r += uint32(img.Pix[o])
				g += uint32(img.Pix[o+1])
				bl += uint32(img.Pix[o+2])
				n++
			}
			o := row + x*4
			tmp[o] = uint8(r / n)
			tmp[o+1] = uint8(g / n)
			tmp[o+2] = uint8(bl / n)
			tmp[o+3] = 255
		}
	}

	// Vertical pass: tmp -> img.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl, n uint32
			for k := -radius; k <= radius; k++ {
				yi := y + k
				if yi < 0 || yi >= h {
					continue
				}
				o := yi*img.Stride + x*4
				r += uint32(tmp[o])
				g += uint32(tmp[o+1])
				bl += uint32(tmp[o+2])
				n++
			}
			o := y*img.Stride + x*4
			img.Pix[o] = uint8(r / n)
			img.Pix[o+1] = uint8(g / n)
			img.Pix[o+2] = uint8(bl / n)
			img.Pix[o+3] = 255
		}
	}
}

// scaleMask resizes a mask to the frame bounds.
func scaleMask(mask *image.Gray, bounds image.Rectangle) *image.Gray {
	out := image.NewGray(bounds)
	xdraw.ApproxBiLinear.Scale(out, bounds, mask, mask.Bounds(), xdraw.Src, nil)
	return out
}

// meanGray returns the mean luma of mask inside r.
func meanGray(mask *image.Gray, r image.Rectangle) float64 {
	r = r.Intersect(mask.Bounds())
	if r.Empty() {
		return 0
	}
	var sum, n uint64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		o := mask.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += uint64(mask.Pix[o])
			o++
			n++
		}
	}
	return float64(sum) / float64(n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
