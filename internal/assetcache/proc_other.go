//go:build !linux

package assetcache

func processRSSBytes() (uint64, bool) { return 0, false }
