package vocab

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTable(t *testing.T, version uint32, eot uint32, tokens []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := make([]uint32, 256)
	header[0], header[1], header[2], header[3] = magic, version, uint32(len(tokens)), eot
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))
	for _, tok := range tokens {
		buf.WriteByte(byte(len(tok)))
		buf.WriteString(tok)
	}
	return buf.Bytes()
}

func TestReadVersions(t *testing.T) {
	tokens := []string{"the", " ", "a", "th", "<|eot|>"}

	v, err := Read(bytes.NewReader(encodeTable(t, 1, 4, tokens)))
	require.NoError(t, err)
	assert.Equal(t, 5, v.Size())
	assert.Equal(t, NoEOT, v.EOT)

	v, err = Read(bytes.NewReader(encodeTable(t, 2, 4, tokens)))
	require.NoError(t, err)
	assert.Equal(t, int32(4), v.EOT)
	assert.Equal(t, tokens, v.Tokens)
}

func TestReadRejectsBadTables(t *testing.T) {
	_, err := Read(bytes.NewReader(encodeTable(t, 3, 0, []string{"a"})))
	assert.ErrorIs(t, err, ErrHeader)

	raw := encodeTable(t, 1, 0, []string{"a"})
	raw[0] = 0
	_, err = Read(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrHeader)

	raw = encodeTable(t, 1, 0, []string{"abc"})
	_, err = Read(bytes.NewReader(raw[:len(raw)-1]))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.bin")
	require.NoError(t, os.WriteFile(path, encodeTable(t, 2, 0, []string{"<eot>", "x"}), 0o644))
	v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"<eot>", "x"}, v.Tokens)

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	assert.Error(t, err)
}

func TestEncodeLongestMatch(t *testing.T) {
	v := New([]string{"the", " ", "a", "th", "<eot>"}, 4)
	assert.Equal(t, []int32{0, 1, 2, 1, 3}, v.Encode("the a th"))
	// unknown bytes become EOT
	assert.Equal(t, []int32{2, 4, 2}, v.Encode("a?a"))
	assert.Empty(t, v.Encode(""))
}

func TestDecode(t *testing.T) {
	v := New([]string{"the", " ", "a", "<eot>"}, 3)
	s, err := v.Decode([]int32{0, 1, 3, 2})
	require.NoError(t, err)
	assert.Equal(t, "the a", s)

	_, err = v.Decode([]int32{4})
	assert.ErrorIs(t, err, ErrToken)
	_, err = v.Decode([]int32{-1})
	assert.ErrorIs(t, err, ErrToken)
}

func TestRange(t *testing.T) {
	v := New([]string{"a", "b", "c"}, NoEOT)
	assert.Equal(t, []string{"b", "c"}, v.Range(1, 10))
	assert.Equal(t, []string{"a"}, v.Range(-2, 1))
	assert.Nil(t, v.Range(2, 2))
}
