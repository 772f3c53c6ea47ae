package edge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"512":    512,
		"512b":   512,
		"64kb":   64 * 1024,
		"4m":     4 * 1024 * 1024,
		" 1.5GB": 3 * 512 * 1024 * 1024,
	}
	for in, want := range tests {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "b", "kb", "-1m", "lots"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "900b", formatBytes(900))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(3*512*1024))
	assert.Equal(t, "2gb", formatBytes(2*1024*1024*1024))
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(100)
	s.Observe(300)
	s.Observe(-5)

	ss := s.Snapshot()
	assert.Equal(t, uint64(3), ss.TotalResponses)
	assert.Equal(t, uint64(0), ss.MinRespBytes)
	assert.Equal(t, uint64(300), ss.MaxRespBytes)
	assert.Equal(t, uint64(133), ss.AvgRespBytes)
}
