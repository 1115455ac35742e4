package compress

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressSkipsBelowMinSize(t *testing.T) {
	c := New(Policy{Enabled: true, DefaultLevel: 5, FastLevel: 1, MediumLevel: 5, SlowLevel: 9, MinSize: 256, MinRatio: 0.9})
	data := make([]byte, 100)
	rand.Read(data)

	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Compressed || res.CompressionType != TypeNone || res.Ratio != 1.0 {
		t.Fatalf("expected skip-compression result, got %+v", res)
	}
}

func TestCompressDiscardsWhenNotWorthwhile(t *testing.T) {
	c := New(Policy{Enabled: true, DefaultLevel: 5, FastLevel: 1, MediumLevel: 5, SlowLevel: 9, MinSize: 64, MinRatio: 0.9})
	data := make([]byte, 4096)
	rand.Read(data) // incompressible random bytes

	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Compressed {
		t.Fatalf("random incompressible data should not be compressed, got %+v", res)
	}
	if !bytes.Equal(res.Data, data) {
		t.Fatal("expected original bytes back on discard")
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := New(DefaultPolicy)
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	res, err := c.Compress(data)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !res.Compressed {
		t.Fatalf("expected highly repetitive data to compress, ratio=%f", res.Ratio)
	}

	out, err := Decompress(res.Data, res.CompressionType)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressUnknownTypeReturnsInputUnchanged(t *testing.T) {
	data := []byte("opaque bytes")
	out, err := Decompress(data, CompressionType(99))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("expected unchanged passthrough for unknown compression type")
	}
}

func TestClassifySpeed(t *testing.T) {
	cases := []struct {
		bytesPerSec float64
		want        NetworkSpeed
	}{
		{2 << 20, SpeedFast},
		{500 << 10, SpeedMedium},
		{50 << 10, SpeedSlow},
	}
	for _, c := range cases {
		if got := ClassifySpeed(c.bytesPerSec); got != c.want {
			t.Fatalf("ClassifySpeed(%f) = %v, want %v", c.bytesPerSec, got, c.want)
		}
	}
}

func TestThroughputEstimatorEMA(t *testing.T) {
	e := NewThroughputEstimator()
	e.Observe(1000)
	if e.Estimate() != 1000 {
		t.Fatalf("first observation should prime the EMA directly, got %f", e.Estimate())
	}
	e.Observe(0)
	want := 0.3*0 + 0.7*1000
	if e.Estimate() != want {
		t.Fatalf("got %f, want %f", e.Estimate(), want)
	}
}

func TestLevelSelectionFollowsSpeedBand(t *testing.T) {
	p := Policy{Enabled: true, FastLevel: 1, MediumLevel: 5, SlowLevel: 9, MinSize: 0, MinRatio: 2.0}
	if p.levelFor(SpeedFast) != 1 {
		t.Fatal("fast level mismatch")
	}
	if p.levelFor(SpeedMedium) != 5 {
		t.Fatal("medium level mismatch")
	}
	if p.levelFor(SpeedSlow) != 9 {
		t.Fatal("slow level mismatch")
	}
}
