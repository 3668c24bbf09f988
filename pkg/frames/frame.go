package frames

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_s16le"
	EncodingULaw  Encoding = "ulaw"
)

// Format describes how the bytes of an AudioChunk map to samples.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Encoding   Encoding
}

func PCM16(rate int) Format {
	return Format{SampleRate: rate, Channels: 1, BitDepth: 16, Encoding: EncodingPCM16}
}

func ULaw(rate int) Format {
	return Format{SampleRate: rate, Channels: 1, BitDepth: 8, Encoding: EncodingULaw}
}

// ParseFormat accepts the remote's short names ("pcm_24000", "ulaw_8000").
func ParseFormat(name string) (Format, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	kind, rateRaw, ok := strings.Cut(name, "_")
	if !ok {
		return Format{}, fmt.Errorf("invalid audio format %q", name)
	}
	rate, err := strconv.Atoi(rateRaw)
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("invalid sample rate in %q", name)
	}
	switch kind {
	case "pcm":
		return PCM16(rate), nil
	case "ulaw", "mulaw":
		return ULaw(rate), nil
	default:
		return Format{}, fmt.Errorf("unsupported encoding in %q", name)
	}
}

// Name is the inverse of ParseFormat.
func (f Format) Name() string {
	kind := "pcm"
	if f.Encoding == EncodingULaw {
		kind = "ulaw"
	}
	return kind + "_" + strconv.Itoa(f.SampleRate)
}

func (f Format) bytesPerFrame() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	depth := f.BitDepth
	if depth <= 0 {
		depth = 16
	}
	return ch * depth / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.bytesPerFrame()
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the frame-aligned byte count covering d.
func (f Format) BytesFor(d time.Duration) int {
	bpf := f.bytesPerFrame()
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % bpf
	if n < bpf {
		n = bpf
	}
	return n
}

// AudioChunk is an immutable audio payload. Ownership moves with the value:
// once enqueued, the queue owns it until it is played or discarded.
type AudioChunk struct {
	seq    uint64
	data   []byte
	format Format
	meta   map[string]string
	pooled bool
}

func NewAudioChunk(seq uint64, data []byte, format Format, meta map[string]string) AudioChunk {
	return AudioChunk{
		seq:    seq,
		data:   data,
		format: format,
		meta:   cloneMeta(meta),
	}
}

func NewAudioChunkFromPool(seq uint64, data []byte, format Format, meta map[string]string) AudioChunk {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioChunk{
		seq:    seq,
		data:   buf,
		format: format,
		meta:   cloneMeta(meta),
		pooled: true,
	}
}

func (a AudioChunk) Seq() uint64                 { return a.seq }
func (a AudioChunk) Format() Format              { return a.format }
func (a AudioChunk) Len() int                    { return len(a.data) }
func (a AudioChunk) Duration() time.Duration     { return a.format.Duration(len(a.data)) }
func (a AudioChunk) Meta() map[string]string     { return cloneMeta(a.meta) }
func (a AudioChunk) Data() []byte                { return append([]byte(nil), a.data...) }
func (a AudioChunk) RawPayload() []byte          { return a.data }
func (a AudioChunk) IsZero() bool                { return a.data == nil && a.format == Format{} }
func (a AudioChunk) MetaValue(key string) string { return a.meta[key] }

func ReleaseAudioChunk(c AudioChunk) bool {
	if c.pooled {
		ReleaseAudioBuf(c.data)
		return true
	}
	return false
}

// SeqGen hands out monotonically increasing chunk sequence numbers.
type SeqGen struct {
	v atomic.Uint64
}

func (g *SeqGen) Next() uint64 { return g.v.Add(1) }

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func cloneMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
