package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// Compression identifies how the payload of a persisted log is compressed.
// The values are stored in the envelope header.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a compression name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// Envelope layout:
//
//	magic "TLRP" | version (1) | compression (1) | uvarint payload size |
//	blake3-256 of the uncompressed payload (32) | payload
const (
	magic         = "TLRP"
	formatVersion = 1
	checksumSize  = 32

	// maxPayloadSize guards the decoder against absurd size headers.
	maxPayloadSize = 256 << 20
)

var errIncompressible = errors.New("data is incompressible")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("replay: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("replay: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("replay: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("replay: zstd decoder initialization failed: " + err.Error())
	}
}

type wireLog struct {
	Groups []Group `cbor:"groups"`
}

// Encode serializes the log into a self-checking envelope.
func Encode(l *Log, compression Compression) ([]byte, error) {
	wire := wireLog{Groups: make([]Group, len(l.groups))}
	for i, g := range l.groups {
		wire.Groups[i] = *g
	}

	payload, err := encMode.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("marshal replay log: %w", err)
	}

	body, tag, err := compress(payload, compression)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(payload)

	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + binary.MaxVarintLen64 + checksumSize + len(body))
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)
	buf.WriteByte(byte(tag))
	buf.Write(binary.AppendUvarint(nil, uint64(len(payload))))
	buf.Write(sum[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses an envelope written by Encode. Any failure is reported as a
// *domain.CorruptReplayError.
func Decode(data []byte) (*Log, error) {
	header := len(magic) + 2
	if len(data) < header || string(data[:len(magic)]) != magic {
		return nil, &domain.CorruptReplayError{Reason: "bad magic"}
	}
	if v := data[len(magic)]; v != formatVersion {
		return nil, &domain.CorruptReplayError{Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	tag := Compression(data[len(magic)+1])

	size, n := binary.Uvarint(data[header:])
	if n <= 0 || size > maxPayloadSize {
		return nil, &domain.CorruptReplayError{Reason: "bad payload size"}
	}
	rest := data[header+n:]
	if len(rest) < checksumSize {
		return nil, &domain.CorruptReplayError{Reason: "truncated checksum"}
	}
	var want [checksumSize]byte
	copy(want[:], rest[:checksumSize])

	payload, err := decompress(rest[checksumSize:], tag, int(size))
	if err != nil {
		return nil, &domain.CorruptReplayError{Reason: "decompress", Err: err}
	}
	if blake3.Sum256(payload) != want {
		return nil, &domain.CorruptReplayError{Reason: "checksum mismatch"}
	}

	var wire wireLog
	if err := decMode.Unmarshal(payload, &wire); err != nil {
		return nil, &domain.CorruptReplayError{Reason: "unmarshal", Err: err}
	}

	l := NewLog()
	for i := range wire.Groups {
		g := wire.Groups[i]
		l.groups = append(l.groups, &g)
	}
	return l, nil
}

// compress falls back to storing the payload uncompressed when compression
// does not make it smaller.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression: %s", c)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, c, nil
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("payload size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return out, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, out, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return out[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
