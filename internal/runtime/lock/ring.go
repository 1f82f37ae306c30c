package lock

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// DefaultVirtualNodes 每个分片在环上的虚拟节点数
const DefaultVirtualNodes = 128

// Ring 一致性哈希环；构建后只读，可并发使用
type Ring struct {
	points []uint64
	owner  map[uint64]int
	shards int
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// NewRing 以分片名构建环；按名字而非下标取点，增删分片时只有少量 key 迁移
func NewRing(names []string, vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	r := &Ring{owner: make(map[uint64]int, len(names)*vnodes), shards: len(names)}
	for i, name := range names {
		for v := 0; v < vnodes; v++ {
			p := hash64(name + "#" + strconv.Itoa(v))
			if _, taken := r.owner[p]; taken {
				continue
			}
			r.owner[p] = i
			r.points = append(r.points, p)
		}
	}
	sort.Slice(r.points, func(a, b int) bool { return r.points[a] < r.points[b] })
	return r
}

// NewIndexRing 分片名取 shard-0..shard-n-1
func NewIndexRing(n int) *Ring {
	names := make([]string, n)
	for i := range names {
		names[i] = "shard-" + strconv.Itoa(i)
	}
	return NewRing(names, DefaultVirtualNodes)
}

// Locate 返回 key 所属分片下标；空环返回 -1
func (r *Ring) Locate(key string) int {
	if len(r.points) == 0 {
		return -1
	}
	h := hash64(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.owner[r.points[i]]
}

// Shards 分片数
func (r *Ring) Shards() int { return r.shards }
