package sharding

import (
	"sort"
	"strconv"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

const DefaultVirtualNodes = 100

type point struct {
	hash  uint32
	shard string
}

// Ring is a consistent hash ring with virtual nodes. Assign rebuilds it from
// the given shard set, so it can be reused across topology changes.
type Ring struct {
	virtualNodes int
	logger       *zap.Logger

	mu     sync.RWMutex
	points []point
}

func NewRing(virtualNodes int, logger *zap.Logger) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ring{virtualNodes: virtualNodes, logger: logger}
}

// Assign groups items by the shard that owns them. An empty shard set yields
// an empty map. The ring is rebuilt and read under one lock, so concurrent
// calls with different shard sets never mix topologies.
func (r *Ring) Assign(items []string, shards []string) map[string][]string {
	if len(shards) == 0 {
		r.logger.Warn("no shards available for assignment")
		return map[string][]string{}
	}

	points := r.buildPoints(shards)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = points

	assignments := make(map[string][]string, len(shards))
	for _, item := range items {
		shard := locateIn(points, item)
		assignments[shard] = append(assignments[shard], item)
	}
	return assignments
}

// Build replaces the ring points with virtual nodes for the given shards.
func (r *Ring) Build(shards []string) {
	points := r.buildPoints(shards)

	r.mu.Lock()
	r.points = points
	r.mu.Unlock()
}

func (r *Ring) buildPoints(shards []string) []point {
	points := make([]point, 0, len(shards)*r.virtualNodes)
	for _, shard := range shards {
		for i := 0; i < r.virtualNodes; i++ {
			points = append(points, point{hash: hashKey(shard + "-v" + strconv.Itoa(i)), shard: shard})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].hash == points[j].hash {
			return points[i].shard < points[j].shard
		}
		return points[i].hash < points[j].hash
	})
	r.logger.Info("hash ring built", zap.Int("virtual_nodes", len(points)), zap.Int("shards", len(shards)))
	return points
}

// Locate returns the shard owning item, or false when the ring is empty.
func (r *Ring) Locate(item string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return "", false
	}
	return locateIn(r.points, item), true
}

func locateIn(points []point, item string) string {
	h := hashKey(item)
	idx := sort.Search(len(points), func(i int) bool { return points[i].hash >= h })
	if idx == len(points) {
		idx = 0
	}
	return points[idx].shard
}

func hashKey(key string) uint32 {
	return murmur3.Sum32([]byte(key))
}
