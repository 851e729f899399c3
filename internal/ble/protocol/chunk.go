// internal/ble/protocol/chunk.go
package protocol

const (
	// DefaultMTU is the ATT MTU every BLE link supports before an exchange.
	DefaultMTU = 23
	// ATTOverhead is the opcode + handle header of a write command.
	ATTOverhead = 3
	// MaxChunkSize is the largest chunk the device firmware buffers per write.
	MaxChunkSize = 512
	// MinChunkSize is the payload of a write on an unnegotiated link.
	MinChunkSize = DefaultMTU - ATTOverhead
)

// Chunk is one fragment of a firmware image.
type Chunk struct {
	Offset int
	Data   []byte
}

// EffectiveChunkSize derives the DATA write size from the live MTU. An MTU
// that is unknown or below the BLE minimum is treated as DefaultMTU, so the
// result never exceeds what the link can carry. maxChunk <= 0 or above
// MaxChunkSize is clamped to MaxChunkSize, below MinChunkSize to MinChunkSize.
func EffectiveChunkSize(mtu, maxChunk int) int {
	switch {
	case maxChunk <= 0 || maxChunk > MaxChunkSize:
		maxChunk = MaxChunkSize
	case maxChunk < MinChunkSize:
		maxChunk = MinChunkSize
	}
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	size := mtu - ATTOverhead
	if size > maxChunk {
		size = maxChunk
	}
	return size
}

// ChunkImage splits data into consecutive chunks of at most size bytes.
// Chunks alias data; callers must not modify them. Returns nil for empty data.
func ChunkImage(data []byte, size int) []Chunk {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 {
		size = MinChunkSize
	}
	chunks := make([]Chunk, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, Chunk{Offset: off, Data: data[off:end:end]})
	}
	return chunks
}
