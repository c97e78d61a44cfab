package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Format is the on-disk encoding of collection files.
type Format int

const (
	// FormatJSON stores plain JSON files with the .json extension.
	FormatJSON Format = iota
	// FormatMsgpackLZ4 stores a GODB header followed by LZ4-framed MessagePack.
	FormatMsgpackLZ4
	// FormatMsgpackZstd stores a GODB header followed by zstd-compressed MessagePack.
	FormatMsgpackZstd
)

const (
	// Magic bytes to identify our file format
	MagicBytes = "GODB"
	// Current version
	FormatVersion = 1
)

// Header flags recording the compression of the payload.
const (
	flagLZ4  uint8 = 1
	flagZstd uint8 = 2
)

// ParseFormat maps a CLI name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "json":
		return FormatJSON, nil
	case "msgpack-lz4", "lz4":
		return FormatMsgpackLZ4, nil
	case "msgpack-zstd", "zstd":
		return FormatMsgpackZstd, nil
	}
	return 0, fmt.Errorf("unknown storage format %q", name)
}

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpackLZ4:
		return "msgpack-lz4"
	case FormatMsgpackZstd:
		return "msgpack-zstd"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Extension is the file extension, without the dot.
func (f Format) Extension() string {
	if f == FormatJSON {
		return "json"
	}
	return "godb"
}

// FileHeader represents the header of a binary collection file.
type FileHeader struct {
	Magic    [4]byte // "GODB"
	Version  uint8   // Format version
	Flags    uint8   // Payload compression
	Reserved [2]byte // Reserved for future use
}

// WriteHeader writes the file header to the given writer
func WriteHeader(w io.Writer, flags uint8) error {
	header := FileHeader{
		Magic:   [4]byte{'G', 'O', 'D', 'B'},
		Version: FormatVersion,
		Flags:   flags,
	}
	return binary.Write(w, binary.LittleEndian, header)
}

// ReadHeader reads and validates the file header
func ReadHeader(r io.Reader) (*FileHeader, error) {
	var header FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, fmt.Errorf("invalid file format: expected %s, got %s", MagicBytes, string(header.Magic[:]))
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported file version: %d", header.Version)
	}
	return &header, nil
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil)
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// Encode serializes v in format f.
func (f Format) Encode(v any) ([]byte, error) {
	if f == FormatJSON {
		return json.Marshal(v)
	}

	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode MessagePack: %w", err)
	}

	var buf bytes.Buffer
	switch f {
	case FormatMsgpackLZ4:
		if err := WriteHeader(&buf, flagLZ4); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress data: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress data: %w", err)
		}
	case FormatMsgpackZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		if err := WriteHeader(&buf, flagZstd); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		buf.Write(enc.EncodeAll(payload, nil))
	default:
		return nil, fmt.Errorf("unknown storage format %d", int(f))
	}
	return buf.Bytes(), nil
}

// Decode parses data written by Encode into v.
func (f Format) Decode(data []byte, v any) error {
	if f == FormatJSON {
		return json.Unmarshal(data, v)
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return err
	}

	var payload []byte
	switch header.Flags {
	case flagLZ4:
		payload, err = io.ReadAll(lz4.NewReader(reader))
		if err != nil {
			return fmt.Errorf("failed to decompress data: %w", err)
		}
	case flagZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		rest, _ := io.ReadAll(reader)
		payload, err = dec.DecodeAll(rest, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress data: %w", err)
		}
	default:
		return fmt.Errorf("unknown compression flag %d", header.Flags)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode MessagePack: %w", err)
	}
	return nil
}
