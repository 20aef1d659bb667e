package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses whole chunk buffers.
type Codec interface {
	Encode(raw []byte) ([]byte, error)
	// Decode returns the decompressed chunk. size is the expected raw length.
	Decode(data []byte, size int) ([]byte, error)
}

// NewCodec returns the codec for a compressor configuration. A nil
// configuration means chunks are stored raw.
func NewCodec(cfg *CompressorConfig) (Codec, error) {
	if cfg == nil {
		return rawCodec{}, nil
	}
	switch cfg.ID {
	case "zstd":
		return newZstdCodec(cfg.compressionLevel(3))
	case "zlib":
		return &zlibCodec{level: cfg.compressionLevel(zlib.DefaultCompression)}, nil
	case "gzip":
		return &gzipCodec{level: cfg.compressionLevel(gzip.DefaultCompression)}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "blosc":
		return nil, fmt.Errorf("blosc compression not yet supported")
	default:
		return nil, fmt.Errorf("unsupported compressor: %s", cfg.ID)
	}
}

// compressionLevel reads numcodecs' "level" field, falling back to clevel.
func (c *CompressorConfig) compressionLevel(def int) int {
	if c.Level != nil {
		return *c.Level
	}
	if c.Clevel != 0 {
		return c.Clevel
	}
	return def
}

type rawCodec struct{}

func (rawCodec) Encode(raw []byte) ([]byte, error) { return raw, nil }

func (rawCodec) Decode(data []byte, _ int) ([]byte, error) { return data, nil }

type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdCodec{encoder: enc, decoder: dec}, nil
}

// EncodeAll and DecodeAll are safe for concurrent use.
func (c *zstdCodec) Encode(raw []byte) ([]byte, error) {
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *zstdCodec) Decode(data []byte, size int) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd chunk: %w", err)
	}
	return out, nil
}

type zlibCodec struct{ level int }

func (c *zlibCodec) Encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to init zlib writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress zlib chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress zlib chunk: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *zlibCodec) Decode(data []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to init zlib reader: %w", err)
	}
	defer zr.Close()
	return readSized(zr, size)
}

type gzipCodec struct{ level int }

func (c *gzipCodec) Encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to init gzip writer: %w", err)
	}
	if _, err := gw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress gzip chunk: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress gzip chunk: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decode(data []byte, size int) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to init gzip reader: %w", err)
	}
	defer gr.Close()
	return readSized(gr, size)
}

func readSized(r io.Reader, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// lz4Codec follows numcodecs.LZ4: a little-endian uint32 holding the raw
// length, then one LZ4 block.
type lz4Codec struct{}

func (lz4Codec) Encode(raw []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(raw)))
	binary.LittleEndian.PutUint32(out, uint32(len(raw)))

	var c lz4.Compressor
	n, err := c.CompressBlock(raw, out[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to compress lz4 chunk: %w", err)
	}
	if n == 0 && len(raw) > 0 {
		// incompressible input still has to be a valid block
		return append(out[:4], literalBlock(raw)...), nil
	}
	return out[:4+n], nil
}

func (lz4Codec) Decode(data []byte, _ int) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 chunk too short: %d bytes", len(data))
	}
	size := int(binary.LittleEndian.Uint32(data))
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress lz4 chunk: %w", err)
	}
	return out[:n], nil
}

// literalBlock encodes src as a single LZ4 sequence with no match.
func literalBlock(src []byte) []byte {
	n := len(src)
	out := make([]byte, 0, n+n/255+2)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, src...)
}
