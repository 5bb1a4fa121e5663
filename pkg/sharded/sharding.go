// Package sharded provides concurrent string-keyed collections split across
// independently locked shards to keep lock contention low when many workers
// record results at once.
package sharded

import "hash/fnv"

// DefaultShards is the shard count used by the sync engine.
const DefaultShards = 64

func isPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

func shardIndex(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}
