package image

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/sydlexius/linkpreview/internal/selector"
)

// makeJPEG creates a JPEG-encoded image of the given dimensions.
func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encoding test jpeg: %v", err)
	}
	return buf.Bytes()
}

// makePNG creates a PNG-encoded image of the given dimensions.
func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 200})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

func makeGIF(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, w, h), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encoding test gif: %v", err)
	}
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", makeJPEG(t, 10, 10), FormatJPEG},
		{"png", makePNG(t, 10, 10), FormatPNG},
		{"gif", makeGIF(t, 10, 10), FormatGIF},
		{"webp header", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), FormatWebP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, replay, err := DetectFormat(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if format != tt.want {
				t.Errorf("got format %q, want %q", format, tt.want)
			}
			var out bytes.Buffer
			if _, err := out.ReadFrom(replay); err != nil {
				t.Fatalf("reading replay: %v", err)
			}
			if !bytes.Equal(out.Bytes(), tt.data) {
				t.Error("replay reader should return the original bytes")
			}
		})
	}
}

func TestDetectFormat_Unknown(t *testing.T) {
	_, _, err := DetectFormat(bytes.NewReader([]byte("not an image")))
	if err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestGetDimensions(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want selector.Point
	}{
		{"jpeg 100x50", makeJPEG(t, 100, 50), selector.Point{Width: 100, Height: 50}},
		{"png 200x300", makePNG(t, 200, 300), selector.Point{Width: 200, Height: 300}},
		{"gif 7x3", makeGIF(t, 7, 3), selector.Point{Width: 7, Height: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetDimensions(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThumbnail_Downscale(t *testing.T) {
	data := makeJPEG(t, 1000, 800)
	result, format, err := Thumbnail(bytes.NewReader(data), selector.Point{Width: 80, Height: 80})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != FormatJPEG {
		t.Errorf("got format %q, want %q", format, FormatJPEG)
	}

	got, err := GetDimensions(bytes.NewReader(result))
	if err != nil {
		t.Fatalf("reading result dimensions: %v", err)
	}
	// 1000:800 = 5:4
	if got != (selector.Point{Width: 80, Height: 64}) {
		t.Errorf("expected 80x64, got %v", got)
	}
}

func TestThumbnail_AlreadyFits(t *testing.T) {
	data := makePNG(t, 40, 20)
	result, format, err := Thumbnail(bytes.NewReader(data), selector.Point{Width: 80, Height: 80})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != FormatPNG {
		t.Errorf("got format %q, want %q", format, FormatPNG)
	}
	got, err := GetDimensions(bytes.NewReader(result))
	if err != nil {
		t.Fatalf("reading result dimensions: %v", err)
	}
	if got != (selector.Point{Width: 40, Height: 20}) {
		t.Errorf("expected 40x20, got %v", got)
	}
}

func TestThumbnail_GIFBecomesPNG(t *testing.T) {
	_, format, err := Thumbnail(bytes.NewReader(makeGIF(t, 200, 100)), selector.Point{Width: 80, Height: 80})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if format != FormatPNG {
		t.Errorf("got format %q, want %q", format, FormatPNG)
	}
}

func TestThumbnail_InvalidTarget(t *testing.T) {
	if _, _, err := Thumbnail(bytes.NewReader(makePNG(t, 4, 4)), selector.Point{}); err == nil {
		t.Error("expected error for zero target")
	}
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		origW, origH, maxW, maxH int
		wantW, wantH             int
	}{
		{100, 100, 200, 200, 100, 100},
		{1000, 500, 80, 80, 80, 40},
		{500, 1000, 80, 80, 40, 80},
		{10000, 1, 80, 80, 80, 1},
	}
	for _, tt := range tests {
		w, h := fitDimensions(tt.origW, tt.origH, tt.maxW, tt.maxH)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("fitDimensions(%d,%d,%d,%d) = %dx%d, want %dx%d",
				tt.origW, tt.origH, tt.maxW, tt.maxH, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestContentType(t *testing.T) {
	if ContentType(FormatPNG) != "image/png" {
		t.Error("png content type")
	}
	if ContentType("bmp") != "application/octet-stream" {
		t.Error("unknown content type")
	}
}
