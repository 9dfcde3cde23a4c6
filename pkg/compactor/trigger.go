// Package compactor implements the automatic-compaction trigger heuristic
// and the background worker scaffold that runs compaction passes off the
// caller's thread. The rewrite pipeline itself lives in the engine package,
// since it must interleave with the engine's lock (spec section 4.5).
package compactor

const (
	// MinTotalBytes is the WAL size floor below which compaction never
	// triggers automatically, regardless of stale ratio.
	MinTotalBytes int64 = 1 << 20 // 1 MiB

	// staleRatioNumerator / staleRatioDenominator is the minimum stale
	// fraction (stale_bytes / total_bytes) that triggers compaction.
	staleRatioNumerator   = 1
	staleRatioDenominator = 3
)

// ShouldCompact implements the trigger in spec section 4.5: compaction runs
// when totalBytes exceeds MinTotalBytes and the stale fraction is at least
// 1/3. Manual Compact() calls bypass this entirely.
func ShouldCompact(totalBytes, staleBytes int64) bool {
	if totalBytes <= MinTotalBytes {
		return false
	}
	if staleBytes <= 0 {
		return false
	}
	return staleBytes*staleRatioDenominator >= totalBytes*staleRatioNumerator
}
