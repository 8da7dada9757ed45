package exec

import (
	"errors"
	"fmt"
	"io"
)

// ErrNegativeLimit is returned by ReadLimited for a negative store limit.
var ErrNegativeLimit = errors.New("store limit must be non-negative")

// StreamReadResult is what ReadLimited kept from a stream.
//
// Stored never exceeds the store limit and Truncated is exactly
// TotalBytes > len(Stored).
type StreamReadResult struct {
	Stored     []byte
	Truncated  bool
	TotalBytes int64
}

// ReadLimited reads r until EOF, counting every byte but storing at most
// storeLimit of them. Reading continues after the limit is reached so the
// writer on the other end never blocks. chunkSize <= 0 uses DefaultChunkSize.
//
// A read error other than io.EOF is returned together with what was read so far.
func ReadLimited(r io.Reader, storeLimit, chunkSize int) (StreamReadResult, error) {
	if storeLimit < 0 {
		return StreamReadResult{}, fmt.Errorf("%w: %d", ErrNegativeLimit, storeLimit)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var (
		stored []byte
		total  int64
		buf    = make([]byte, chunkSize)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if room := storeLimit - len(stored); room > 0 {
				stored = append(stored, buf[:min(n, room)]...)
			}
		}
		if err != nil {
			res := StreamReadResult{
				Stored:     stored,
				Truncated:  total > int64(len(stored)),
				TotalBytes: total,
			}
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, err
		}
	}
}
