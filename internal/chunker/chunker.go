package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/maneesh/audioshelf/internal/models"
)

// DefaultChunkSize is used when a non-positive size is configured
const DefaultChunkSize int64 = 1024 * 1024

// Chunker splits audio streams into fixed-size chunks and reassembles them
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured chunk size in bytes
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// StreamChunks reads reader incrementally and hands each chunk to fn in order.
// Only io.EOF ends the stream; any other read error, including a truncated
// body, is returned together with the bytes seen so far.
func (c *Chunker) StreamChunks(reader io.Reader, fn func(*models.ChunkData) error) (int64, error) {
	var totalSize int64
	orderIndex := 0

	for {
		buffer := make([]byte, c.chunkSize)
		n, err := fill(reader, buffer)

		if n > 0 {
			chunkData := buffer[:n]
			chunk := &models.ChunkData{
				Data:       chunkData,
				OrderIndex: orderIndex,
				Hash:       ComputeHash(chunkData),
				Size:       int64(n),
			}
			totalSize += int64(n)
			orderIndex++

			if ferr := fn(chunk); ferr != nil {
				return totalSize, ferr
			}
		}

		if err == io.EOF {
			return totalSize, nil
		} else if err != nil {
			return totalSize, fmt.Errorf("error reading chunk %d: %w", orderIndex, err)
		}
	}
}

// SplitBytes cuts an in-memory blob into chunks
func (c *Chunker) SplitBytes(data []byte) []*models.ChunkData {
	var chunks []*models.ChunkData
	for start, idx := int64(0), 0; start < int64(len(data)); idx++ {
		end := start + c.chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		part := data[start:end]
		chunks = append(chunks, &models.ChunkData{
			Data:       part,
			OrderIndex: idx,
			Hash:       ComputeHash(part),
			Size:       int64(len(part)),
		})
		start = end
	}
	return chunks
}

// fill reads until buf is full or the reader fails
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ReassembleChunks combines chunks in order
func ReassembleChunks(chunks [][]byte) []byte {
	totalSize := 0
	for _, chunk := range chunks {
		totalSize += len(chunk)
	}

	result := make([]byte, 0, totalSize)
	for _, chunk := range chunks {
		result = append(result, chunk...)
	}

	return result
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
