package transport

import "errors"

// ErrInvalidChunkSize is returned by Split for non-positive sizes.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Split cuts payload into consecutive chunks of at most size bytes. The
// chunks alias payload.
func Split(payload []byte, size int) ([][]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		chunks = append(chunks, payload[start:end:end])
	}
	return chunks, nil
}
