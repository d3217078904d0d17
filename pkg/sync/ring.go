package sync

import (
	"encoding/binary"
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/spaolacci/murmur3"
)

// ring is a consistent hash ring over stripe indices
type ring struct {
	points *treemap.Map

	// first caches the lowest point's value, since treemap.Map.Min() is
	// O(log n) and every key hashing past the last point wraps to it.
	first int
}

// newRing places replicas points on the ring for each of stripes indices.
func newRing(stripes, replicas uint) *ring {
	points := treemap.NewWith(utils.Int64Comparator)

	for stripe := 0; stripe < int(stripes); stripe++ {
		seed, _ := murmur3.Sum128([]byte(fmt.Sprintf("stripe%d", stripe)))

		var buf [12]byte
		binary.LittleEndian.PutUint64(buf[:8], seed)
		for i := 0; i < int(replicas); i++ {
			binary.LittleEndian.PutUint32(buf[8:], uint32(i))
			point, _ := murmur3.Sum128(buf[:])
			points.Put(int64(point), stripe)
		}
	}

	r := &ring{points: points}
	if _, v := points.Min(); v != nil {
		r.first = v.(int)
	}
	return r
}

// shard returns the stripe owning key
func (r *ring) shard(key []byte) int {
	hash, _ := murmur3.Sum128(key)
	if _, v := r.points.Ceiling(int64(hash)); v != nil {
		return v.(int)
	}
	return r.first
}
