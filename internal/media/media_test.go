package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{"1280x720", Size{1280, 720}, false},
		{" 640X480 ", Size{640, 480}, false},
		{"640", Size{}, true},
		{"0x480", Size{}, true},
		{"axb", Size{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCaptureConfigDefaults(t *testing.T) {
	cfg := CaptureConfig{PreviewFrameRate: 30}.WithDefaults()
	if cfg.PreviewFrameRate != 30 {
		t.Errorf("PreviewFrameRate = %d, want 30", cfg.PreviewFrameRate)
	}
	if cfg.PreviewBitRate != DefaultPreviewBitRate {
		t.Errorf("PreviewBitRate = %d, want %d", cfg.PreviewBitRate, DefaultPreviewBitRate)
	}
	if cfg.Codec != CodecH264 {
		t.Errorf("Codec = %q, want h264", cfg.Codec)
	}
	if cfg.GOP() != 30 {
		t.Errorf("GOP = %d, want 30", cfg.GOP())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	bad := cfg
	bad.PreviewSize = Size{641, 480}
	bad.Codec = "vp8"
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for odd size and unknown codec")
	}
}

func TestSplitAnnexB(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x10, 0x00}

	// mix of 3- and 4-byte start codes
	stream := []byte{0, 0, 0, 1}
	stream = append(stream, sps...)
	stream = append(stream, 0, 0, 1)
	stream = append(stream, pps...)
	stream = append(stream, 0, 0, 0, 1)
	stream = append(stream, idr...)

	nalus := SplitAnnexB(stream)
	if len(nalus) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(nalus))
	}
	if !bytes.Equal(nalus[0], sps) || !bytes.Equal(nalus[1], pps) {
		t.Errorf("unexpected parameter sets: %x %x", nalus[0], nalus[1])
	}
	// trailing zero of the IDR payload is indistinguishable from padding
	if !bytes.Equal(nalus[2], idr[:4]) {
		t.Errorf("idr = %x, want %x", nalus[2], idr[:4])
	}

	if !IsKeyFrame(CodecH264, stream) {
		t.Error("expected key frame")
	}
	ps := ExtractParameterSets(CodecH264, stream)
	if !ps.Complete(CodecH264) {
		t.Fatalf("parameter sets incomplete: %+v", ps)
	}
	if ps.Complete(CodecH265) {
		t.Error("h264 sets must not satisfy h265")
	}

	joined := JoinAnnexB(nalus...)
	if got := SplitAnnexB(joined); len(got) != 3 {
		t.Errorf("round trip produced %d units", len(got))
	}
}

func TestH265NALTypes(t *testing.T) {
	vps := []byte{0x40, 0x01, 0x0c}
	aud := []byte{0x46, 0x01, 0x50}
	idr := []byte{0x26, 0x01, 0xaf}
	trail := []byte{0x02, 0x01, 0xd0}

	if NALType(CodecH265, vps) != H265NALVPS {
		t.Errorf("vps type = %d", NALType(CodecH265, vps))
	}
	if !IsAUD(CodecH265, aud) {
		t.Error("expected aud")
	}
	if !IsRandomAccess(CodecH265, idr) {
		t.Error("expected IDR_W_RADL to be random access")
	}
	if IsRandomAccess(CodecH265, trail) {
		t.Error("trailing picture reported as random access")
	}
}

func TestToAVCC(t *testing.T) {
	out := ToAVCC([][]byte{{0x65, 0x01}, {0x41}})
	want := []byte{0, 0, 0, 2, 0x65, 0x01, 0, 0, 0, 1, 0x41}
	if !bytes.Equal(out, want) {
		t.Errorf("ToAVCC = %x, want %x", out, want)
	}
}

func grayFrame(w, h int, luma byte) *Frame {
	data := make([]byte, YUV420Len(w, h))
	for i := 0; i < w*h; i++ {
		data[i] = luma
	}
	for i := w * h; i < len(data); i++ {
		data[i] = 128
	}
	return &Frame{Data: data, Format: FormatYUV420, Width: w, Height: h, Rotation: 90, Timestamp: 42}
}

func TestJPEGRoundTrip(t *testing.T) {
	src := grayFrame(64, 48, 200)

	jf, err := Convert(src, FormatJPEG, JPEGQualityMax)
	if err != nil {
		t.Fatalf("Convert to jpeg: %v", err)
	}
	if jf.Format != FormatJPEG || jf.Rotation != 90 || jf.Timestamp != 42 {
		t.Errorf("metadata not preserved: %+v", jf)
	}
	if _, err := jpeg.Decode(bytes.NewReader(jf.Data)); err != nil {
		t.Fatalf("output is not a valid jpeg: %v", err)
	}

	yf, err := Convert(jf, FormatYUV420, 0)
	if err != nil {
		t.Fatalf("Convert to yuv420: %v", err)
	}
	if yf.Width != 64 || yf.Height != 48 {
		t.Errorf("size = %dx%d, want 64x48", yf.Width, yf.Height)
	}
	if len(yf.Data) != YUV420Len(64, 48) {
		t.Errorf("len = %d, want %d", len(yf.Data), YUV420Len(64, 48))
	}
	if d := int(yf.Data[100]) - 200; d < -3 || d > 3 {
		t.Errorf("luma drifted to %d", yf.Data[100])
	}
}

func TestDecodeJPEGFromRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	f, err := DecodeJPEG(&Frame{Data: buf.Bytes(), Format: FormatJPEG})
	if err != nil {
		t.Fatalf("DecodeJPEG: %v", err)
	}
	cr := f.Data[16*16+8*8]
	if cr < 200 {
		t.Errorf("red pixel Cr = %d, want > 200", cr)
	}
}

func TestDecodeJPEGGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 6))
	for i := range img.Pix {
		img.Pix[i] = 50
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatal(err)
	}
	f, err := DecodeJPEG(&Frame{Data: buf.Bytes(), Format: FormatJPEG})
	if err != nil {
		t.Fatalf("DecodeJPEG: %v", err)
	}
	if len(f.Data) != YUV420Len(10, 6) {
		t.Fatalf("len = %d, want %d", len(f.Data), YUV420Len(10, 6))
	}
	if d := int(f.Data[0]) - 50; d < -2 || d > 2 {
		t.Errorf("luma = %d, want ~50", f.Data[0])
	}
	if cb := f.Data[60]; cb != 128 {
		t.Errorf("gray Cb = %d, want 128", cb)
	}
}

func TestConvertErrors(t *testing.T) {
	short := &Frame{Data: make([]byte, 10), Format: FormatYUV420, Width: 64, Height: 48}
	if _, err := EncodeJPEG(short, 90); err == nil {
		t.Error("expected short buffer error")
	}
	if _, err := DecodeJPEG(&Frame{Data: []byte{1, 2, 3}, Format: FormatJPEG}); err == nil {
		t.Error("expected decode error for corrupt jpeg")
	}
	if _, err := Convert(&Frame{Format: FormatH264}, FormatJPEG, 90); err == nil {
		t.Error("expected error converting encoded frame")
	}
}

func TestOrientationTag(t *testing.T) {
	tests := map[int]uint16{0: 1, 90: 6, 180: 3, 270: 8, -90: 8, 450: 6}
	for rot, want := range tests {
		if got := OrientationTag(rot); got != want {
			t.Errorf("OrientationTag(%d) = %d, want %d", rot, got, want)
		}
		if want != 1 && RotationForTag(want) != ((rot%360)+360)%360 {
			t.Errorf("RotationForTag(%d) = %d", want, RotationForTag(want))
		}
	}
}

func TestWithOrientationInsertsAndPatches(t *testing.T) {
	jf, err := EncodeJPEG(grayFrame(32, 32, 100), 90)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ReadOrientation(jf.Data); ok {
		t.Fatal("fresh jpeg should carry no orientation")
	}

	rotated, err := WithOrientation(jf.Data, 90)
	if err != nil {
		t.Fatalf("WithOrientation: %v", err)
	}
	if tag, ok := ReadOrientation(rotated); !ok || tag != 6 {
		t.Errorf("orientation = %d (ok=%v), want 6", tag, ok)
	}
	if _, err := jpeg.Decode(bytes.NewReader(rotated)); err != nil {
		t.Errorf("tagged jpeg no longer decodes: %v", err)
	}

	patched, err := WithOrientation(rotated, 270)
	if err != nil {
		t.Fatalf("WithOrientation patch: %v", err)
	}
	if len(patched) != len(rotated) {
		t.Errorf("patch changed length %d -> %d", len(rotated), len(patched))
	}
	if tag, _ := ReadOrientation(patched); tag != 8 {
		t.Errorf("orientation = %d, want 8", tag)
	}
	if tag, _ := ReadOrientation(rotated); tag != 6 {
		t.Error("WithOrientation mutated its input")
	}
}

func TestWithOrientationRejectsGarbage(t *testing.T) {
	if _, err := WithOrientation([]byte("not a jpeg"), 90); err == nil {
		t.Error("expected error")
	}
}
