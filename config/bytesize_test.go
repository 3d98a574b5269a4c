package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"0", 0},
		{"512b", 512},
		{"1k", KB},
		{"100MB", 100 * MB},
		{"1Gi", GiB},
		{" 1.5 MiB ", MiB + 512*KiB},
		{"2kib", 2 * KiB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "-1", "ten", "10XB", "1.2.3"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "0", ByteSize(0).String())
	assert.Equal(t, "1000", KB.String())
	assert.Equal(t, "4Ki", (4 * KiB).String())
	assert.Equal(t, "10Mi", (10 * MiB).String())
	assert.Equal(t, "2Gi", (2 * GiB).String())

	for _, b := range []ByteSize{1, 1500, 3 * MiB, 7 * GiB} {
		back, err := ParseByteSize(b.String())
		require.NoError(t, err)
		assert.Equal(t, b, back)
	}
}

func TestByteSizeUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("8Mi")))
	assert.Equal(t, 8*MiB, b)
	assert.Error(t, b.UnmarshalText([]byte("lots")))
}
