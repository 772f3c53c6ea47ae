//go:build !linux

package edge

func processRSSBytes() (uint64, bool) {
	return 0, false
}
