package exec

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

// chunkReader returns data in fixed-size chunks regardless of the buffer size.
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.chunk, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadLimited(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 20_000)

	tests := []struct {
		name      string
		limit     int
		chunk     int
		wantLen   int
		truncated bool
	}{
		{"limit below size", 1000, 333, 1000, true},
		{"limit equals size", len(data), 4096, len(data), false},
		{"limit above size", len(data) * 2, 7, len(data), false},
		{"zero limit", 0, 100, 0, true},
		{"limit inside first chunk", 10, 8192, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &chunkReader{data: data, chunk: tt.chunk}
			got, err := ReadLimited(r, tt.limit, DefaultChunkSize)
			if err != nil {
				t.Fatalf("ReadLimited() error = %v", err)
			}
			if got.TotalBytes != int64(len(data)) {
				t.Errorf("TotalBytes = %d, want %d", got.TotalBytes, len(data))
			}
			if len(got.Stored) != tt.wantLen {
				t.Errorf("len(Stored) = %d, want %d", len(got.Stored), tt.wantLen)
			}
			if got.Truncated != tt.truncated {
				t.Errorf("Truncated = %v, want %v", got.Truncated, tt.truncated)
			}
			if got.Truncated != (got.TotalBytes > int64(len(got.Stored))) {
				t.Error("Truncated disagrees with sizes")
			}
			if !bytes.Equal(got.Stored, data[:tt.wantLen]) {
				t.Error("Stored is not a prefix of the stream")
			}
		})
	}
}

func TestReadLimited_EmptyStream(t *testing.T) {
	got, err := ReadLimited(bytes.NewReader(nil), 0, 0)
	if err != nil {
		t.Fatalf("ReadLimited() error = %v", err)
	}
	if got.Truncated || got.TotalBytes != 0 || len(got.Stored) != 0 {
		t.Errorf("ReadLimited(empty) = %+v", got)
	}
}

func TestReadLimited_OneByteReads(t *testing.T) {
	got, err := ReadLimited(iotest.OneByteReader(bytes.NewReader([]byte("hello"))), 3, 0)
	if err != nil {
		t.Fatalf("ReadLimited() error = %v", err)
	}
	if string(got.Stored) != "hel" || got.TotalBytes != 5 || !got.Truncated {
		t.Errorf("ReadLimited() = %+v", got)
	}
}

func TestReadLimited_NegativeLimit(t *testing.T) {
	_, err := ReadLimited(bytes.NewReader(nil), -1, 0)
	if !errors.Is(err, ErrNegativeLimit) {
		t.Errorf("ReadLimited() error = %v, want %v", err, ErrNegativeLimit)
	}
}

func TestReadLimited_ReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader([]byte("abc")), iotest.ErrReader(boom))
	got, err := ReadLimited(r, 10, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("ReadLimited() error = %v, want %v", err, boom)
	}
	if string(got.Stored) != "abc" || got.TotalBytes != 3 {
		t.Errorf("partial result = %+v", got)
	}
}
