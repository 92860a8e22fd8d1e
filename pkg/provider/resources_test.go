package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPU(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"500m", 500},
		{"2", 2000},
		{"0.5", 500},
		{"1000n", 0}, // nanocores round to the nearest millicore
		{"1500000n", 2},
		{"1", 1000},
		{"250m", 250},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := ParseCPU(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseCPUInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "-500m", "2x"} {
		_, err := ParseCPU(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"256Mi", 256 << 20},
		{"2Gi", 2 << 30},
		{"2G", 2e9},
		{"1Ki", 1024},
		{"1k", 1000},
		{"1M", 1e6},
		{"1Ti", 1 << 40},
		{"1T", 1e12},
		{"512", 512},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := ParseMemory(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseMemoryInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1Gi", "Gi", "12Q"} {
		_, err := ParseMemory(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestCPURoundTrip(t *testing.T) {
	for _, millis := range []int64{0, 1, 250, 500, 999, 1000, 1500, 2000, 16000} {
		parsed, err := ParseCPU(FormatCPU(millis))
		require.NoError(t, err)
		assert.Equal(t, millis, parsed, "millis %d", millis)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	values := []int64{
		0,
		512,
		1 << 10,
		256 << 20,
		2 << 30,
		2e9,
		1 << 40,
		3 * 1e6,
	}
	for _, bytes := range values {
		parsed, err := ParseMemory(FormatMemory(bytes))
		require.NoError(t, err)
		assert.Equal(t, bytes, parsed, "bytes %d", bytes)
	}
}

func TestFormatCPU(t *testing.T) {
	assert.Equal(t, "2", FormatCPU(2000))
	assert.Equal(t, "500m", FormatCPU(500))
	assert.Equal(t, "1500m", FormatCPU(1500))
	assert.Equal(t, "0", FormatCPU(0))
}

func TestFormatMemory(t *testing.T) {
	assert.Equal(t, "256Mi", FormatMemory(256<<20))
	assert.Equal(t, "2Gi", FormatMemory(2<<30))
	assert.Equal(t, "2G", FormatMemory(2e9))
	assert.Equal(t, "0", FormatMemory(0))
}

func TestParseRequests(t *testing.T) {
	req, err := ParseRequests("500m", "256Mi", "1Gi")
	require.NoError(t, err)
	assert.Equal(t, int64(500), req.CPUMillis)
	assert.Equal(t, int64(256<<20), req.MemoryBytes)
	assert.Equal(t, int64(1<<30), req.StorageBytes)

	req, err = ParseRequests("1", "1Gi", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), req.StorageBytes)

	_, err = ParseRequests("", "1Gi", "")
	assert.Error(t, err)

	_, err = ParseRequests("1", "", "")
	assert.Error(t, err)
}
