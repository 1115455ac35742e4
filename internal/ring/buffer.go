// Package ring implements the per-session output ring buffer: a bounded
// FIFO of sequence-numbered output chunks with range reads and replay.
package ring

import "sync"

// Chunk is one write to a session's output stream.
type Chunk struct {
	SequenceNumber int64
	Data           []byte
	Compressed     bool
	TimestampMs    int64
}

// Config bounds how much a Buffer retains before evicting the oldest chunks.
type Config struct {
	MaxSizeBytes int64
	MaxChunks    int
}

// DefaultConfig matches the sizing terminox ships with out of the box.
var DefaultConfig = Config{MaxSizeBytes: 1 * 1024 * 1024, MaxChunks: 10000}

// Buffer is a per-session bounded FIFO of OutputChunks. All operations are
// serialized by a single mutex; reads only ever walk the chunks they
// return, so they block writers for O(visited chunks), not O(buffer size).
type Buffer struct {
	mu sync.Mutex

	cfg Config

	chunks     []Chunk
	nextSeq    int64 // sequence number to assign on the next write
	oldestSeq  int64 // sequence number of chunks[0], or nextSeq if empty
	totalBytes int64
	sealed     bool // true once the owning session has terminated
	nowMs      func() int64
}

// New creates an empty buffer. nowMs supplies the clock used to timestamp
// chunks; pass nil to use time.Now via the default wall clock.
func New(cfg Config, nowMs func() int64) *Buffer {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultConfig.MaxSizeBytes
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultConfig.MaxChunks
	}
	if nowMs == nil {
		nowMs = defaultClock
	}
	return &Buffer{cfg: cfg, nextSeq: 1, oldestSeq: 1, nowMs: nowMs}
}

// Write appends data as a new chunk, returning its assigned sequence
// number. The input is defensively copied. Returns ErrSealed if the
// session that owns this buffer has already terminated.
func (b *Buffer) Write(data []byte, compressed bool) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return 0, ErrSealed
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	seq := b.nextSeq
	b.nextSeq++
	b.chunks = append(b.chunks, Chunk{
		SequenceNumber: seq,
		Data:           cp,
		Compressed:     compressed,
		TimestampMs:    b.nowMs(),
	})
	b.totalBytes += int64(len(cp))

	b.evictLocked()
	return seq, nil
}

// evictLocked drops chunks from the front until both caps are satisfied.
// Must be called with mu held.
func (b *Buffer) evictLocked() {
	for len(b.chunks) > 0 && (b.totalBytes > b.cfg.MaxSizeBytes || len(b.chunks) > b.cfg.MaxChunks) {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.totalBytes -= int64(len(evicted.Data))
		b.oldestSeq = evicted.SequenceNumber + 1
	}
}

// ReadFrom returns every chunk with SequenceNumber >= seq, in order. If seq
// is below the oldest retained sequence number, the read clamps to
// oldestSequence and dataLost reports that a gap was skipped.
func (b *Buffer) ReadFrom(seq int64) (chunks []Chunk, dataLost bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	effective := seq
	if len(b.chunks) > 0 && effective < b.oldestSeq {
		dataLost = true
		effective = b.oldestSeq
	} else if len(b.chunks) == 0 && effective < b.oldestSeq {
		dataLost = true
	}

	for _, c := range b.chunks {
		if c.SequenceNumber >= effective {
			cp := make([]byte, len(c.Data))
			copy(cp, c.Data)
			chunks = append(chunks, Chunk{
				SequenceNumber: c.SequenceNumber,
				Data:           cp,
				Compressed:     c.Compressed,
				TimestampMs:    c.TimestampMs,
			})
		}
	}
	return chunks, dataLost
}

// ReadRange returns chunks with SequenceNumber in [from, to] inclusive.
func (b *Buffer) ReadRange(from, to int64) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Chunk
	for _, c := range b.chunks {
		if c.SequenceNumber >= from && c.SequenceNumber <= to {
			cp := make([]byte, len(c.Data))
			copy(cp, c.Data)
			out = append(out, Chunk{
				SequenceNumber: c.SequenceNumber,
				Data:           cp,
				Compressed:     c.Compressed,
				TimestampMs:    c.TimestampMs,
			})
		}
	}
	return out
}

// GetLatestBytes returns the last maxBytes bytes across chunks, oldest to
// newest, trimming a partial chunk from the front when the boundary falls
// mid-chunk.
func (b *Buffer) GetLatestBytes(maxBytes int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if maxBytes <= 0 || len(b.chunks) == 0 {
		return nil
	}

	total := 0
	start := len(b.chunks)
	for i := len(b.chunks) - 1; i >= 0; i-- {
		total += len(b.chunks[i].Data)
		start = i
		if total >= maxBytes {
			break
		}
	}

	out := make([]byte, 0, maxBytes)
	for i := start; i < len(b.chunks); i++ {
		out = append(out, b.chunks[i].Data...)
	}
	if len(out) > maxBytes {
		out = out[len(out)-maxBytes:]
	}
	return out
}

// IsSequenceAvailable reports whether seq is still retained in the buffer
// (i.e. has not been evicted).
func (b *Buffer) IsSequenceAvailable(seq int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return seq >= b.oldestSeq
}

// OldestSequence returns the sequence number of the oldest retained chunk,
// or the next sequence to be assigned if the buffer is currently empty.
func (b *Buffer) OldestSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldestSeq
}

// CurrentSequence returns the sequence number that will be assigned to the
// next write.
func (b *Buffer) CurrentSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// TotalBytes returns the current retained byte count.
func (b *Buffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// ChunkCount returns the number of chunks currently retained.
func (b *Buffer) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Seal marks the buffer closed: further Write calls fail with ErrSealed.
// Reads remain valid against whatever was retained at seal time.
func (b *Buffer) Seal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
}

// Sealed reports whether the buffer has been sealed.
func (b *Buffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}
