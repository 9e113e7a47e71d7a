// Package data reads little-endian int32 token streams and cuts them into
// (input, next-token target) batches.
package data

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Int32ByteLen is the width of one token on disk.
const Int32ByteLen = 4

// ErrTooSmall is returned when a stream cannot fill a single batch.
var ErrTooSmall = errors.New("data: stream is too small for the batch size and sequence length")

// Loader yields batches of token ids.
type Loader interface {
	NextBatch() (inputs, targets []int32)
	Reset()
}

// DataLoader walks a token stream in windows of batchSize*seqLength tokens. Targets are
// the inputs shifted by one token.
type DataLoader struct {
	batchSize  int
	seqLength  int
	curPos     int
	NumBatches int
	data       []int32
}

var _ Loader = (*DataLoader)(nil)

// NewDataLoader reads the whole token file at filename.
func NewDataLoader(filename string, batchSize, seqLength int) (*DataLoader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return NewLoader(file, batchSize, seqLength)
}

// NewLoader reads every token from r.
func NewLoader(r io.Reader, batchSize, seqLength int) (*DataLoader, error) {
	if batchSize <= 0 || seqLength <= 0 {
		return nil, fmt.Errorf("data: batch size %d and sequence length %d must be positive", batchSize, seqLength)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	size := len(raw) / Int32ByteLen
	window := batchSize * seqLength
	if size < window+1 {
		return nil, fmt.Errorf("%w: %d tokens, need %d", ErrTooSmall, size, window+1)
	}
	loader := &DataLoader{
		batchSize:  batchSize,
		seqLength:  seqLength,
		NumBatches: (size - 1) / window,
		data:       make([]int32, size),
	}
	if err := binary.Read(bytes.NewReader(raw[:size*Int32ByteLen]), binary.LittleEndian, loader.data); err != nil {
		return nil, err
	}
	return loader, nil
}

// Reset resets the loader to the beginning of the stream.
func (loader *DataLoader) Reset() {
	loader.curPos = 0
}

// NextBatch returns the next batch, wrapping around at the end of the stream.
func (loader *DataLoader) NextBatch() ([]int32, []int32) {
	nextPos := loader.curPos + loader.batchSize*loader.seqLength
	if nextPos+1 > len(loader.data) {
		loader.Reset()
		nextPos = loader.batchSize * loader.seqLength
	}
	inputs := loader.data[loader.curPos:nextPos]
	targets := loader.data[loader.curPos+1 : nextPos+1]
	loader.curPos = nextPos
	return inputs, targets
}
