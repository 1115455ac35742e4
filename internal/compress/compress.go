// Package compress implements adaptive DEFLATE compression for output
// payloads: level selection follows a rolling estimate of measured link
// throughput rather than a single fixed setting.
package compress

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/terminox/agent/internal/logger"
)

// CompressionType tags how a payload's bytes are encoded on the wire.
type CompressionType uint8

const (
	TypeNone    CompressionType = 0
	TypeDeflate CompressionType = 1
	// TypeZstd and TypeLZ4 are reserved for future wire compatibility;
	// no encoder exists for them yet, so decode treats them as unknown.
	TypeZstd CompressionType = 2
	TypeLZ4  CompressionType = 3
)

// Policy configures when and how hard the compressor works.
type Policy struct {
	Enabled      bool
	DefaultLevel int
	FastLevel    int
	MediumLevel  int
	SlowLevel    int
	MinSize      int
	MinRatio     float64
}

// DefaultPolicy matches the levels and thresholds terminox ships with.
var DefaultPolicy = Policy{
	Enabled:      true,
	DefaultLevel: flate.DefaultCompression,
	FastLevel:    1,
	MediumLevel:  5,
	SlowLevel:    9,
	MinSize:      256,
	MinRatio:     0.9,
}

// Result is the outcome of a Compress call.
type Result struct {
	Data            []byte
	Compressed      bool
	CompressionType CompressionType
	Ratio           float64
}

// NetworkSpeed classifies a throughput estimate into the three bands the
// policy's level table is keyed on.
type NetworkSpeed int

const (
	SpeedFast NetworkSpeed = iota
	SpeedMedium
	SpeedSlow
)

const (
	fastThresholdBytesPerSec = 1 << 20   // 1 MiB/s
	slowThresholdBytesPerSec = 100 << 10 // 100 KiB/s
	throughputEMAAlpha       = 0.3
)

// ClassifySpeed maps a bytes/sec estimate to a NetworkSpeed band.
func ClassifySpeed(bytesPerSec float64) NetworkSpeed {
	switch {
	case bytesPerSec > fastThresholdBytesPerSec:
		return SpeedFast
	case bytesPerSec < slowThresholdBytesPerSec:
		return SpeedSlow
	default:
		return SpeedMedium
	}
}

// levelFor resolves the policy's configured DEFLATE level for a speed band.
func (p Policy) levelFor(speed NetworkSpeed) int {
	switch speed {
	case SpeedFast:
		return p.FastLevel
	case SpeedSlow:
		return p.SlowLevel
	default:
		return p.MediumLevel
	}
}

// ThroughputEstimator tracks a link's measured throughput as an
// exponential moving average (α = 0.3), used to pick a DEFLATE level that
// trades CPU for bandwidth as conditions change.
type ThroughputEstimator struct {
	ema    float64
	primed bool
}

// NewThroughputEstimator creates an estimator with no prior samples.
func NewThroughputEstimator() *ThroughputEstimator {
	return &ThroughputEstimator{}
}

// Observe folds a new bytes/sec measurement into the running average.
func (t *ThroughputEstimator) Observe(bytesPerSec float64) {
	if !t.primed {
		t.ema = bytesPerSec
		t.primed = true
		return
	}
	t.ema = throughputEMAAlpha*bytesPerSec + (1-throughputEMAAlpha)*t.ema
}

// Estimate returns the current smoothed bytes/sec value.
func (t *ThroughputEstimator) Estimate() float64 { return t.ema }

// Speed returns the current throughput band.
func (t *ThroughputEstimator) Speed() NetworkSpeed { return ClassifySpeed(t.ema) }

// Compressor wraps payloads with DEFLATE at a level chosen from a rolling
// throughput estimate for the session it serves.
type Compressor struct {
	policy     Policy
	throughput *ThroughputEstimator
}

// New creates a Compressor bound to a single session's throughput history.
func New(policy Policy) *Compressor {
	return &Compressor{policy: policy, throughput: NewThroughputEstimator()}
}

// ObserveThroughput feeds a new bytes/sec measurement into the level
// selection policy. Callers typically sample this once per batch of
// frames written to a connection.
func (c *Compressor) ObserveThroughput(bytesPerSec float64) {
	c.throughput.Observe(bytesPerSec)
}

// Compress applies the policy to data: skipped entirely below minSize or
// when disabled, and discarded in favor of the original bytes when the
// compressed form doesn't clear minRatio.
func (c *Compressor) Compress(data []byte) (Result, error) {
	if !c.policy.Enabled || len(data) < c.policy.MinSize {
		return Result{Data: data, Compressed: false, CompressionType: TypeNone, Ratio: 1.0}, nil
	}

	level := c.policy.levelFor(c.throughput.Speed())
	compressed, err := deflate(data, level)
	if err != nil {
		logger.Log.Warn("compress: deflate failed, falling back to uncompressed", "error", err)
		return Result{Data: data, Compressed: false, CompressionType: TypeNone, Ratio: 1.0}, nil
	}

	ratio := float64(len(compressed)) / float64(len(data))
	minRatio := c.policy.MinRatio
	if minRatio <= 0 {
		minRatio = DefaultPolicy.MinRatio
	}
	if ratio >= minRatio {
		return Result{Data: data, Compressed: false, CompressionType: TypeNone, Ratio: 1.0}, nil
	}

	return Result{Data: compressed, Compressed: true, CompressionType: TypeDeflate, Ratio: ratio}, nil
}

// Decompress reverses Compress given the compressionType tag carried in
// the frame's metadata. Unknown types are logged and returned unchanged
// so reserved codec values stay forward-compatible.
func Decompress(data []byte, compressionType CompressionType) ([]byte, error) {
	switch compressionType {
	case TypeNone:
		return data, nil
	case TypeDeflate:
		return inflate(data)
	default:
		logger.Log.Warn("compress: unknown compression type, returning input unchanged", "type", compressionType)
		return data, nil
	}
}

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("compress: new deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: inflate: %w", err)
	}
	return out, nil
}
