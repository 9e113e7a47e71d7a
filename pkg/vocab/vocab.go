// Package vocab reads frequency-sorted token tables so adaptive clusters can be shown
// as the tokens they cover.
package vocab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	magic = 20240328
	// NoEOT marks a table without an end-of-text token.
	NoEOT int32 = -1
)

var (
	// ErrHeader is returned for a table with an unknown magic number or version.
	ErrHeader = errors.New("vocab: bad header")
	// ErrToken is returned when decoding an id outside the table.
	ErrToken = errors.New("vocab: token out of range")
)

// Vocab maps token ids to their byte strings. Ids are expected to be sorted by
// decreasing frequency, which is what the adaptive cutoffs assume.
type Vocab struct {
	Tokens []string
	// EOT is the end-of-text id, skipped by Decode. NoEOT when the table has none.
	EOT  int32
	trie *trie
}

// Load reads a token table from filename.
func Load(filename string) (*Vocab, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses a token table: a 256 x uint32 little-endian header (magic, version,
// size and, for version 2, the EOT id) followed by one length-prefixed string per id.
func Read(r io.Reader) (*Vocab, error) {
	header := make([]uint32, 256)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header[0] != magic {
		return nil, fmt.Errorf("%w: magic %d", ErrHeader, header[0])
	}
	v := &Vocab{EOT: NoEOT}
	switch header[1] {
	case 1:
	case 2:
		v.EOT = int32(header[3])
	default:
		return nil, fmt.Errorf("%w: version %d", ErrHeader, header[1])
	}
	v.Tokens = make([]string, header[2])
	var length uint8
	for i := range v.Tokens {
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("reading token %d: %w", i, err)
		}
		if length == 0 {
			return nil, fmt.Errorf("%w: token %d is empty", ErrHeader, i)
		}
		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("reading token %d: %w", i, err)
		}
		v.Tokens[i] = string(b)
	}
	return New(v.Tokens, v.EOT), nil
}

// New builds a Vocab over tokens. Empty tokens cannot be encoded.
func New(tokens []string, eot int32) *Vocab {
	v := &Vocab{Tokens: tokens, EOT: eot, trie: newTrie()}
	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		v.trie.insert([]byte(tok), int32(i))
	}
	return v
}

// Size is the number of ids in the table.
func (v *Vocab) Size() int { return len(v.Tokens) }

// Decode concatenates the strings of ids, skipping EOT.
func (v *Vocab) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(v.Tokens) {
			return "", fmt.Errorf("%w: %d", ErrToken, id)
		}
		if id == v.EOT {
			continue
		}
		sb.WriteString(v.Tokens[id])
	}
	return sb.String(), nil
}

// Encode greedily matches the longest known token at every position. Bytes that start
// no token are returned as EOT.
func (v *Vocab) Encode(text string) []int32 {
	return v.trie.tokenize([]byte(text), v.EOT)
}

// Range returns the strings of ids in [start, end), clipped to the table.
func (v *Vocab) Range(start, end int) []string {
	start = max(start, 0)
	end = min(end, len(v.Tokens))
	if start >= end {
		return nil
	}
	return v.Tokens[start:end]
}
