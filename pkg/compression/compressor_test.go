package compression

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("coalesced batches compress well when rows repeat. "), 200)

	for _, algo := range Algorithms() {
		algo := algo
		t.Run(string(algo), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, algo, Default)
			require.NoError(t, err)
			_, err = w.Write(original)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if algo != None {
				assert.Less(t, buf.Len(), len(original))
			}

			r, err := NewReader(&buf, algo)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, original, got)
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{in: "", want: None},
		{in: "zstd", want: Zstd},
		{in: " LZ4 ", want: LZ4},
		{in: "brotli", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFileExtension(t *testing.T) {
	assert.Equal(t, ".zst", Zstd.FileExtension())
	assert.Equal(t, ".lz4", LZ4.FileExtension())
	assert.Equal(t, "", None.FileExtension())
}
