// pkg/cache/memory_budget.go
package cache

import (
	"sort"
	"sync"
	"time"
)

// DefaultMemoryLimit is the default memory budget (256MB)
const DefaultMemoryLimit = int64(256 * 1024 * 1024)

// DefaultPressureThreshold is the default threshold for memory pressure (80%)
const DefaultPressureThreshold = 0.8

// Priority represents the access priority of cached data
type Priority int

const (
	// PriorityCold represents rarely accessed data
	PriorityCold Priority = iota
	// PriorityWarm represents occasionally accessed data
	PriorityWarm
	// PriorityHot represents frequently accessed data
	PriorityHot
)

// itemInfo holds metadata about a tracked item.
type itemInfo struct {
	size        int64
	priority    Priority
	accessCount int64
	lastAccess  time.Time
}

// PressureCallback is called, in addition to eviction itself, when memory
// pressure is detected.
type PressureCallback func(currentUsage, limit int64)

// MemoryBudget tracks the byte cost of every mapped cache.File across a
// Directory tree and evicts the coldest mappings once tracked usage
// crosses pressureThreshold of limit. Eviction only drops a file's mmap;
// its content stays on disk and is remapped lazily on next access, so
// evicting under pressure never loses data (spec.md's frequency-cache
// behavior over the canonical filesystem tree).
type MemoryBudget struct {
	mu                sync.Mutex
	limit             int64
	pressureThreshold float64
	totalUsage        int64
	componentUsage    map[string]int64
	items             map[string]map[string]*itemInfo // component -> key -> info
	registry          map[string]*File                // key -> handle to evict on pressure
	pressureCallback  PressureCallback
	wasUnderPressure  bool
}

// NewMemoryBudget creates a new memory budget with the specified limit.
// If limit is 0 or negative, DefaultMemoryLimit is used.
func NewMemoryBudget(limit int64) *MemoryBudget {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}

	return &MemoryBudget{
		limit:             limit,
		pressureThreshold: DefaultPressureThreshold,
		componentUsage:    make(map[string]int64),
		items:             make(map[string]map[string]*itemInfo),
		registry:          make(map[string]*File),
	}
}

// Limit returns the current memory limit
func (mb *MemoryBudget) Limit() int64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.limit
}

// SetLimit updates the memory limit
func (mb *MemoryBudget) SetLimit(limit int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.limit = limit
}

// SetPressureThreshold sets the threshold (0.0 to 1.0) at which memory pressure is signaled
func (mb *MemoryBudget) SetPressureThreshold(threshold float64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	mb.pressureThreshold = threshold
}

// TrackWithPriority tracks bytes mapped by owner under component/key at
// the given eviction priority. owner is what evictUnderPressure closes if
// this item is ever chosen as an eviction candidate.
func (mb *MemoryBudget) TrackWithPriority(component, key string, bytes int64, priority Priority, owner *File) {
	mb.mu.Lock()
	if mb.items[component] == nil {
		mb.items[component] = make(map[string]*itemInfo)
	}
	mb.items[component][key] = &itemInfo{size: bytes, priority: priority, lastAccess: time.Now()}
	mb.registry[key] = owner
	mb.componentUsage[component] += bytes
	mb.totalUsage += bytes
	crossed := mb.crossedIntoPressureLocked()
	mb.mu.Unlock()

	if crossed {
		// Run eviction on its own goroutine: ensureMapped calls this while
		// holding the tracked File's own load lock, and the candidate
		// chosen here may be that same File — evicting synchronously would
		// deadlock re-entering that lock.
		go mb.evictUnderPressure()
	}
}

// ReleaseItem releases a specific tracked item.
func (mb *MemoryBudget) ReleaseItem(component, key string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if items, ok := mb.items[component]; ok {
		if info, ok := items[key]; ok {
			mb.componentUsage[component] -= info.size
			mb.totalUsage -= info.size
			delete(items, key)
		}
	}
	delete(mb.registry, key)
}

// RecordAccess records an access to an item, upgrading its priority after
// enough repeat accesses so that frequently touched files survive
// eviction longer than ones mapped once and left alone.
func (mb *MemoryBudget) RecordAccess(component, key string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	items, ok := mb.items[component]
	if !ok {
		return
	}
	info, ok := items[key]
	if !ok {
		return
	}
	info.accessCount++
	info.lastAccess = time.Now()

	if info.accessCount >= 10 && info.priority < PriorityHot {
		info.priority = PriorityHot
	} else if info.accessCount >= 3 && info.priority < PriorityWarm {
		info.priority = PriorityWarm
	}
}

// GetEvictionCandidates returns keys to evict to free the specified bytes.
// Items are sorted by priority (cold first), then by least recently accessed.
func (mb *MemoryBudget) GetEvictionCandidates(component string, bytesNeeded int64) []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.evictionCandidatesLocked(component, bytesNeeded)
}

func (mb *MemoryBudget) evictionCandidatesLocked(component string, bytesNeeded int64) []string {
	items, ok := mb.items[component]
	if !ok || len(items) == 0 {
		return nil
	}

	type sortableItem struct {
		key  string
		info *itemInfo
	}
	sortedItems := make([]sortableItem, 0, len(items))
	for key, info := range items {
		sortedItems = append(sortedItems, sortableItem{key: key, info: info})
	}

	sort.Slice(sortedItems, func(i, j int) bool {
		if sortedItems[i].info.priority != sortedItems[j].info.priority {
			return sortedItems[i].info.priority < sortedItems[j].info.priority
		}
		return sortedItems[i].info.lastAccess.Before(sortedItems[j].info.lastAccess)
	})

	var candidates []string
	var freedBytes int64
	for _, item := range sortedItems {
		if freedBytes >= bytesNeeded {
			break
		}
		candidates = append(candidates, item.key)
		freedBytes += item.info.size
	}
	return candidates
}

// TotalUsage returns the total memory usage across all components
func (mb *MemoryBudget) TotalUsage() int64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.totalUsage
}

// ComponentUsage returns the memory usage for a specific component
func (mb *MemoryBudget) ComponentUsage(component string) int64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.componentUsage[component]
}

// OnPressure registers a callback invoked, after eviction has run, when
// tracked usage crosses pressureThreshold of limit.
func (mb *MemoryBudget) OnPressure(callback PressureCallback) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.pressureCallback = callback
}

// crossedIntoPressureLocked reports whether usage just transitioned into
// the pressure zone. Caller must hold mb.mu.
func (mb *MemoryBudget) crossedIntoPressureLocked() bool {
	isUnderPressure := float64(mb.totalUsage) >= float64(mb.limit)*mb.pressureThreshold
	crossed := isUnderPressure && !mb.wasUnderPressure
	mb.wasUnderPressure = isUnderPressure
	return crossed
}

// evictUnderPressure closes the coldest "file_content" mappings until
// tracked usage falls back under pressureThreshold of limit, then fires
// the registered pressure callback for observability. Targeting the
// threshold rather than the hard limit matters: usage can sit in the
// pressure zone indefinitely without ever exceeding limit itself, and
// evicting nothing in that zone would leave the callback firing once and
// never actually relieving pressure.
func (mb *MemoryBudget) evictUnderPressure() {
	mb.mu.Lock()
	target := int64(float64(mb.limit) * mb.pressureThreshold)
	over := mb.totalUsage - target
	if over < 0 {
		over = 0
	}
	candidates := mb.evictionCandidatesLocked("file_content", over)
	owners := make([]*File, 0, len(candidates))
	for _, key := range candidates {
		if f := mb.registry[key]; f != nil {
			owners = append(owners, f)
		}
	}
	callback := mb.pressureCallback
	usage, limit := mb.totalUsage, mb.limit
	mb.mu.Unlock()

	for _, f := range owners {
		f.Close()
	}
	if callback != nil {
		callback(usage, limit)
	}
}
