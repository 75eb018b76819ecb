package vectorindex

import (
	"container/heap"
	"math"
	"math/rand"
	"time"
)

// hnswNode is one point in the navigable small-world graph. Nodes are
// addressed by an internal integer id; the event identifier lives in Label.
// Replaced nodes stay in the graph as tombstones so existing links keep
// navigating through them.
type hnswNode struct {
	ID        int
	Label     string
	Vector    []float64
	Level     int
	Neighbors [][]int
	Deleted   bool
}

// hnswGraph is a hierarchical navigable small world index in cosine space.
type hnswGraph struct {
	M              int // max bi-directional links per node above layer 0
	MaxM           int // max links at layer 0
	EfConstruction int

	NextID     int
	EntryPoint int // -1 when empty
	Nodes      map[int]*hnswNode
	Labels     map[string]int // label -> live node id

	rng *rand.Rand
}

func newHNSWGraph(m, efConstruction int) *hnswGraph {
	return &hnswGraph{
		M:              m,
		MaxM:           m * 2,
		EfConstruction: efConstruction,
		EntryPoint:     -1,
		Nodes:          make(map[int]*hnswNode),
		Labels:         make(map[string]int),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// cosineDistance is 1 - cosine similarity; orthogonal or degenerate pairs
// are maximally distant.
func cosineDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, x := range a {
		normA += x * x
	}
	for _, x := range b {
		normB += x * x
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func (g *hnswGraph) selectLevel() int {
	level := 0
	for g.rng.Float64() < 0.5 && level < 16 {
		level++
	}
	return level
}

// size is the number of live (label-bound) nodes.
func (g *hnswGraph) size() int { return len(g.Labels) }

// has reports whether a label is currently indexed.
func (g *hnswGraph) has(label string) bool {
	_, ok := g.Labels[label]
	return ok
}

// insert adds a vector under a label. If the label already exists its node
// is tombstoned first, so insert doubles as replace.
func (g *hnswGraph) insert(label string, vector []float64) {
	if id, ok := g.Labels[label]; ok {
		g.Nodes[id].Deleted = true
		delete(g.Labels, label)
		g.repairEntryPoint(id)
	}

	id := g.NextID
	g.NextID++

	level := g.selectLevel()
	node := &hnswNode{
		ID:        id,
		Label:     label,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]int, level+1),
	}
	for i := range node.Neighbors {
		node.Neighbors[i] = []int{}
	}
	g.Nodes[id] = node
	g.Labels[label] = id

	if g.EntryPoint < 0 {
		g.EntryPoint = id
		return
	}

	entry := g.Nodes[g.EntryPoint]
	nearest := []int{g.EntryPoint}
	for lc := entry.Level; lc > level; lc-- {
		nearest = g.searchLayer(vector, nearest, 1, lc)
	}

	for lc := min(level, entry.Level); lc >= 0; lc-- {
		maxConn := g.M
		if lc == 0 {
			maxConn = g.MaxM
		}

		candidates := g.searchLayer(vector, nearest, g.EfConstruction, lc)
		neighbors := g.selectNeighbors(vector, candidates, maxConn)

		node.Neighbors[lc] = append([]int(nil), neighbors...)
		for _, nb := range neighbors {
			g.connect(nb, id, lc)
			g.pruneNeighbors(nb, lc, maxConn)
		}

		nearest = neighbors
		if len(nearest) == 0 {
			nearest = []int{g.EntryPoint}
		}
	}

	if level > g.Nodes[g.EntryPoint].Level {
		g.EntryPoint = id
	}
}

// markDelete tombstones the node bound to a label.
func (g *hnswGraph) markDelete(label string) bool {
	id, ok := g.Labels[label]
	if !ok {
		return false
	}
	g.Nodes[id].Deleted = true
	delete(g.Labels, label)
	g.repairEntryPoint(id)
	return true
}

func (g *hnswGraph) repairEntryPoint(deleted int) {
	if g.EntryPoint != deleted {
		return
	}
	g.EntryPoint = -1
	for _, id := range g.Labels {
		node := g.Nodes[id]
		if g.EntryPoint < 0 || node.Level > g.Nodes[g.EntryPoint].Level {
			g.EntryPoint = id
		}
	}
}

func (g *hnswGraph) connect(from, to int, layer int) {
	node, ok := g.Nodes[from]
	if !ok || layer >= len(node.Neighbors) {
		return
	}
	for _, nb := range node.Neighbors[layer] {
		if nb == to {
			return
		}
	}
	node.Neighbors[layer] = append(node.Neighbors[layer], to)
}

func (g *hnswGraph) pruneNeighbors(id, layer, maxConn int) {
	node := g.Nodes[id]
	if layer >= len(node.Neighbors) || len(node.Neighbors[layer]) <= maxConn {
		return
	}
	node.Neighbors[layer] = g.selectNeighbors(node.Vector, node.Neighbors[layer], maxConn)
}

func (g *hnswGraph) selectNeighbors(query []float64, candidates []int, m int) []int {
	if len(candidates) <= m {
		return candidates
	}
	h := make(distHeap, 0, len(candidates))
	for _, id := range candidates {
		h = append(h, heapItem{id: id, dist: cosineDistance(query, g.Nodes[id].Vector)})
	}
	heap.Init(&h)
	out := make([]int, 0, m)
	for len(out) < m && h.Len() > 0 {
		out = append(out, heap.Pop(&h).(heapItem).id)
	}
	return out
}

// searchLayer performs a best-first search in one layer and returns up to ef
// node ids ordered closest first. Tombstoned nodes are traversed but the
// caller filters them from results.
func (g *hnswGraph) searchLayer(query []float64, entryPoints []int, ef, layer int) []int {
	visited := make(map[int]bool)
	candidates := distHeap{}  // min heap by distance
	dynamicList := distHeap{} // max heap (negated) of current best

	for _, id := range entryPoints {
		node, ok := g.Nodes[id]
		if !ok {
			continue
		}
		d := cosineDistance(query, node.Vector)
		heap.Push(&candidates, heapItem{id: id, dist: d})
		heap.Push(&dynamicList, heapItem{id: id, dist: -d})
		visited[id] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() >= ef && candidates[0].dist > -dynamicList[0].dist {
			break
		}
		current := heap.Pop(&candidates).(heapItem)
		node := g.Nodes[current.id]
		if layer >= len(node.Neighbors) {
			continue
		}
		for _, nb := range node.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode, ok := g.Nodes[nb]
			if !ok {
				continue
			}
			d := cosineDistance(query, nbNode.Vector)
			if dynamicList.Len() < ef || d < -dynamicList[0].dist {
				heap.Push(&candidates, heapItem{id: nb, dist: d})
				heap.Push(&dynamicList, heapItem{id: nb, dist: -d})
				if dynamicList.Len() > ef {
					heap.Pop(&dynamicList)
				}
			}
		}
	}

	out := make([]int, dynamicList.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&dynamicList).(heapItem).id
	}
	return out
}

// searchHit is one k-NN result.
type searchHit struct {
	label string
	dist  float64
}

// search returns up to k live labels closest to the query.
func (g *hnswGraph) search(query []float64, k, ef int) []searchHit {
	if g.EntryPoint < 0 || k <= 0 {
		return nil
	}
	if ef < k {
		ef = k
	}

	entry := g.Nodes[g.EntryPoint]
	nearest := []int{g.EntryPoint}
	for layer := entry.Level; layer > 0; layer-- {
		nearest = g.searchLayer(query, nearest, 1, layer)
		if len(nearest) == 0 {
			nearest = []int{g.EntryPoint}
		}
	}

	candidates := g.searchLayer(query, nearest, ef, 0)

	hits := make([]searchHit, 0, len(candidates))
	for _, id := range candidates {
		node := g.Nodes[id]
		if node.Deleted {
			continue
		}
		hits = append(hits, searchHit{label: node.Label, dist: cosineDistance(query, node.Vector)})
		if len(hits) == k {
			break
		}
	}
	return hits
}

// persistedGraph is the gob wire form of the graph.
type persistedGraph struct {
	M              int
	EfConstruction int
	NextID         int
	EntryPoint     int
	Nodes          []*hnswNode
	Labels         map[string]int
}

func (g *hnswGraph) toPersisted() persistedGraph {
	p := persistedGraph{
		M:              g.M,
		EfConstruction: g.EfConstruction,
		NextID:         g.NextID,
		EntryPoint:     g.EntryPoint,
		Nodes:          make([]*hnswNode, 0, len(g.Nodes)),
		Labels:         g.Labels,
	}
	for _, node := range g.Nodes {
		p.Nodes = append(p.Nodes, node)
	}
	return p
}

func graphFromPersisted(p persistedGraph) *hnswGraph {
	g := newHNSWGraph(p.M, p.EfConstruction)
	g.NextID = p.NextID
	g.EntryPoint = p.EntryPoint
	if p.Labels != nil {
		g.Labels = p.Labels
	}
	for _, node := range p.Nodes {
		g.Nodes[node.ID] = node
	}
	return g
}

type heapItem struct {
	id   int
	dist float64
}

type distHeap []heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
