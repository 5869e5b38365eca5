package compositor

import (
	"errors"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	frameW = 64
	frameH = 48
)

// solidFrame fills a frame with one color.
func solidFrame(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// frameSource replays a fixed frame sequence; nil entries simulate a source
// that isn't ready yet.
type frameSource struct {
	frames []image.Image
	i      int
}

func (s *frameSource) Read() (image.Image, func(), error) {
	if s.i >= len(s.frames) {
		return nil, nil, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return f, func() {}, nil
}

func repeat(img image.Image, n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = img
	}
	return out
}

// maskSegmenter returns a fixed mask for every frame.
type maskSegmenter struct {
	mask *image.Gray
	err  error
}

func (m *maskSegmenter) Segment(image.Image) (*image.Gray, error) {
	return m.mask, m.err
}

// centerMask marks a centered box with value fg and everything else with bg.
func centerMask(fg, bg uint8) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			v := bg
			if x > frameW/4 && x < frameW*3/4 && y > frameH/4 && y < frameH*3/4 {
				v = fg
			}
			m.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return m
}

func drain(t *testing.T, c *Compositor, n int) image.Image {
	t.Helper()
	var last image.Image
	for i := 0; i < n; i++ {
		img, release, err := c.Read()
		require.NoError(t, err)
		require.NotNil(t, img)
		release()
		last = img
	}
	return last
}

func TestPassthroughWithoutSegmenter(t *testing.T) {
	red := solidFrame(color.RGBA{R: 200, A: 255})
	c := New(&frameSource{frames: repeat(red, 2)}, nil, Profile{Kind: KindBlur})

	out := drain(t, c, 1)
	r, _, _, _ := out.At(10, 10).RGBA()
	assert.Equal(t, uint32(200), r>>8, "no segmenter means raw passthrough")
}

func TestKindNoneNeverSegments(t *testing.T) {
	seg := &maskSegmenter{err: errors.New("must not be called")}
	c := New(&frameSource{frames: repeat(solidFrame(color.RGBA{G: 99, A: 255}), 2)}, seg, Profile{Kind: KindNone})

	out := drain(t, c, 2)
	_, g, _, _ := out.At(0, 0).RGBA()
	assert.Equal(t, uint32(99), g>>8)
	assert.False(t, c.segDead, "KindNone must not touch the segmenter")
}

func TestSegmenterFailureFallsBackToPassthrough(t *testing.T) {
	seg := &maskSegmenter{err: errors.New("model not loaded")}
	red := solidFrame(color.RGBA{R: 180, A: 255})
	c := New(&frameSource{frames: repeat(red, 3)}, seg, Profile{Kind: KindBlur})

	out := drain(t, c, 3)
	r, _, _, _ := out.At(frameW/2, frameH/2).RGBA()
	assert.Equal(t, uint32(180), r>>8, "erroring segmenter must not halt the stream")
}

func TestPolarityProbeHighForeground(t *testing.T) {
	// Bright center, dark corners: high mask values are the subject.
	seg := &maskSegmenter{mask: centerMask(255, 0)}
	red := solidFrame(color.RGBA{R: 250, A: 255})
	bg := solidFrame(color.RGBA{B: 250, A: 255})
	c := New(&frameSource{frames: repeat(red, 8)}, seg, Profile{Kind: KindImage, Image: bg})

	// Probe frames pass through raw, then polarity locks.
	out := drain(t, c, probeFrames+1)
	require.True(t, c.locked)
	assert.True(t, c.highIsFG)

	// Center keeps the subject, corners show the background image.
	r, _, _, _ := out.At(frameW/2, frameH/2).RGBA()
	assert.Equal(t, uint32(250), r>>8)
	_, _, b, _ := out.At(1, 1).RGBA()
	assert.Equal(t, uint32(250), b>>8)
}

func TestPolarityProbeInverted(t *testing.T) {
	// Dark center, bright corners: low mask values are the subject.
	seg := &maskSegmenter{mask: centerMask(0, 255)}
	red := solidFrame(color.RGBA{R: 250, A: 255})
	bg := solidFrame(color.RGBA{B: 250, A: 255})
	c := New(&frameSource{frames: repeat(red, 8)}, seg, Profile{Kind: KindImage, Image: bg})

	out := drain(t, c, probeFrames+1)
	require.True(t, c.locked)
	assert.False(t, c.highIsFG)

	r, _, _, _ := out.At(frameW/2, frameH/2).RGBA()
	assert.Equal(t, uint32(250), r>>8, "inverted polarity still keeps the subject")
}

func TestEmptyCompositeFlipsOnce(t *testing.T) {
	// A uniform bright mask fools the probe into "high is background"
	// territory depending on tie-breaking; force the degenerate case where
	// the locked polarity blanks the frame: all-dark mask with high=FG.
	seg := &maskSegmenter{mask: image.NewGray(image.Rect(0, 0, frameW, frameH))}
	red := solidFrame(color.RGBA{R: 250, A: 255})
	bg := solidFrame(color.RGBA{B: 250, A: 255})
	c := New(&frameSource{frames: repeat(red, 8)}, seg, Profile{Kind: KindImage, Image: bg})

	drain(t, c, probeFrames)
	// With an all-zero mask the probe ties and locks high=FG; coverage is
	// then zero, which triggers the one-shot flip.
	out := drain(t, c, 1)
	assert.True(t, c.flipSpent, "empty composite must spend the flip")
	r, _, _, _ := out.At(frameW/2, frameH/2).RGBA()
	assert.Equal(t, uint32(250), r>>8, "after the flip the subject is visible")

	// The flip is one-shot: later frames don't toggle back and forth.
	was := c.highIsFG
	drain(t, c, 2)
	assert.Equal(t, was, c.highIsFG)
}

func TestNotReadySourceRepeatsLastFrame(t *testing.T) {
	red := solidFrame(color.RGBA{R: 123, A: 255})
	src := &frameSource{frames: []image.Image{red, nil, nil}}
	c := New(src, nil, Profile{Kind: KindNone})

	first := drain(t, c, 1)
	second, release, err := c.Read()
	require.NoError(t, err)
	release()
	assert.Equal(t, first, second, "nil source frame repeats the last output")
}

func TestNotReadyBeforeFirstFrame(t *testing.T) {
	src := &frameSource{frames: []image.Image{nil}}
	c := New(src, nil, Profile{Kind: KindNone})

	_, _, err := c.Read()
	assert.ErrorIs(t, err, io.ErrNoProgress)
}

func TestStartedGate(t *testing.T) {
	red := solidFrame(color.RGBA{R: 1, A: 255})
	c := New(&frameSource{frames: repeat(red, 1)}, nil, Profile{Kind: KindNone})

	select {
	case <-c.Started():
		t.Fatal("started before any frame")
	default:
	}

	drain(t, c, 1)

	select {
	case <-c.Started():
	default:
		t.Fatal("started gate never opened")
	}
}

func TestCloseUnwindsReader(t *testing.T) {
	red := solidFrame(color.RGBA{A: 255})
	c := New(&frameSource{frames: repeat(red, 4)}, nil, Profile{Kind: KindNone})
	drain(t, c, 1)

	c.Close()
	c.Close() // idempotent

	_, _, err := c.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLetterboxPreservesAspect(t *testing.T) {
	// A wide background into a 4:3 frame: bars top and bottom.
	wide := image.NewRGBA(image.Rect(0, 0, 100, 25))
	for i := 0; i < len(wide.Pix); i += 4 {
		wide.Pix[i] = 255 // red
		wide.Pix[i+3] = 255
	}
	dst := letterbox(wide, image.Rect(0, 0, frameW, frameH))

	r, _, _, a := dst.At(frameW/2, frameH/2).RGBA()
	assert.Equal(t, uint32(255), r>>8, "image fills the middle band")
	assert.Equal(t, uint32(255), a>>8)

	r, g, b, _ := dst.At(frameW/2, 1).RGBA()
	assert.Zero(t, r>>8, "top bar is black")
	assert.Zero(t, g>>8)
	assert.Zero(t, b>>8)
}

func TestBlurSmoothsDetail(t *testing.T) {
	// Half red, half blue: after blurring the seam is a mix.
	img := image.NewRGBA(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			if x < frameW/2 {
				img.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{B: 255, A: 255})
			}
		}
	}
	out := blurFrame(img)
	r, _, b, _ := out.At(frameW/2, frameH/2).RGBA()
	assert.Greater(t, r>>8, uint32(10), "seam picks up red")
	assert.Greater(t, b>>8, uint32(10), "seam picks up blue")
	assert.Less(t, r>>8, uint32(250), "seam is no longer pure")
}
