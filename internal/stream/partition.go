// Package stream splits a cycle's agents across a fixed set of parallel
// streams and runs each stream's agents through decide, generate, execute.
// Workers never write to the ledger; they emit action results for the
// reconciler to apply after all streams join.
package stream

// Partition splits items across n buckets round-robin (item i goes to
// bucket i mod n). Order is preserved within a bucket, no item is dropped
// or duplicated, and empty buckets are allowed when there are fewer items
// than buckets. n < 1 is treated as 1.
func Partition[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	buckets := make([][]T, n)
	for i, item := range items {
		b := i % n
		buckets[b] = append(buckets[b], item)
	}
	return buckets
}
