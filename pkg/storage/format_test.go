package storage

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHeader_WriteAndRead(t *testing.T) {
	var buf bytes.Buffer
	err := WriteHeader(&buf, flagZstd)
	require.NoError(t, err)

	data := buf.Bytes()
	assert.Len(t, data, 8) // 4 bytes magic + 1 byte version + 1 byte flags + 2 bytes reserved
	assert.Equal(t, []byte("GODB"), data[:4])
	assert.Equal(t, byte(FormatVersion), data[4])
	assert.Equal(t, flagZstd, data[5])

	header, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, MagicBytes, string(header.Magic[:]))
	assert.EqualValues(t, FormatVersion, header.Version)
	assert.Equal(t, flagZstd, header.Flags)
	assert.Equal(t, [2]byte{0, 0}, header.Reserved)
}

func TestFileHeader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		header  FileHeader
		wantErr string
	}{
		{
			name:    "invalid magic",
			header:  FileHeader{Magic: [4]byte{'I', 'N', 'V', 'L'}, Version: FormatVersion},
			wantErr: "invalid file format",
		},
		{
			name:    "invalid version",
			header:  FileHeader{Magic: [4]byte{'G', 'O', 'D', 'B'}, Version: 99},
			wantErr: "unsupported file version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, tt.header))

			_, err := ReadHeader(&buf)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFileHeader_ShortBuffer(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})

	_, err := ReadHeader(&buf)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read header")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name string
		want Format
		ext  string
	}{
		{"json", FormatJSON, "json"},
		{"", FormatJSON, "json"},
		{"msgpack-lz4", FormatMsgpackLZ4, "godb"},
		{"msgpack-zstd", FormatMsgpackZstd, "godb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFormat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
			assert.Equal(t, tt.ext, f.Extension())
		})
	}

	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestFormatEncodeDecode(t *testing.T) {
	type sample struct {
		Name  string            `json:"name" msgpack:"name"`
		Count int64             `json:"count" msgpack:"count"`
		Chunk map[string]string `json:"chunk" msgpack:"chunk"`
	}
	in := sample{Name: "users", Count: 3, Chunk: map[string]string{"a": "chunk1", "b": "chunk2"}}

	for _, f := range []Format{FormatJSON, FormatMsgpackLZ4, FormatMsgpackZstd} {
		t.Run(f.String(), func(t *testing.T) {
			data, err := f.Encode(in)
			require.NoError(t, err)
			if f != FormatJSON {
				assert.Equal(t, []byte(MagicBytes), data[:4])
			}

			var out sample
			require.NoError(t, f.Decode(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestFormatDecodeRejectsBadInput(t *testing.T) {
	t.Run("unknown compression flag", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteHeader(&buf, 0x42))
		buf.WriteString("payload")

		var out map[string]any
		err := FormatMsgpackLZ4.Decode(buf.Bytes(), &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown compression flag")
	})

	t.Run("corrupted zstd payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteHeader(&buf, flagZstd))
		buf.WriteString("definitely not zstd")

		var out map[string]any
		assert.Error(t, FormatMsgpackZstd.Decode(buf.Bytes(), &out))
	})

	t.Run("missing header", func(t *testing.T) {
		var out map[string]any
		assert.Error(t, FormatMsgpackZstd.Decode([]byte("{}"), &out))
	})
}
