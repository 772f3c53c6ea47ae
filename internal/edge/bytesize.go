package edge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb/opt"
)

var byteUnits = map[byte]int64{
	'k': opt.KiB,
	'm': opt.MiB,
	'g': opt.GiB,
}

// parseBytes reads sizes such as "512", "64kb", "4m" or "1.5GB".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

// leveldbOptions maps the storage.leveldb section onto goleveldb options.
// Zero values keep the goleveldb defaults.
func (cfg Config) leveldbOptions() *opt.Options {
	return &opt.Options{
		WriteBuffer:        int(cfg.writeBufferLen),
		BlockCacheCapacity: int(cfg.blockCacheLen),
	}
}
