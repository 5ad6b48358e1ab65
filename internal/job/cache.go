package job

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a job stays answerable after creation.
	DefaultTTL = 300 * time.Second
	// DefaultLimit bounds the number of cached jobs.
	DefaultLimit = 2000
)

// Cache holds live jobs by id. Job ids are assigned monotonically under
// the cache lock, starting at 1.
type Cache struct {
	mu    sync.Mutex
	jobs  map[uint32]*Job
	maxID uint32
	ttl   time.Duration
	limit int
}

// NewCache creates a cache with the default TTL and size bound.
func NewCache() *Cache {
	return &Cache{
		jobs:  make(map[uint32]*Job),
		ttl:   DefaultTTL,
		limit: DefaultLimit,
	}
}

// Add assigns the next job id, stores the job, and evicts expired entries.
func (c *Cache) Add(j *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxID++
	j.ID = c.maxID
	c.jobs[j.ID] = j
	c.evictLocked()
}

// Get returns the job by id, or nil when unknown or expired.
func (c *Cache) Get(id uint32) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok || time.Since(j.CreatedAt) > c.ttl {
		return nil
	}
	return j
}

// Best returns the most recently created live job for the algorithm, or nil.
func (c *Cache) Best(algorithm int32) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *Job
	for _, j := range c.jobs {
		if j.Algorithm != algorithm || time.Since(j.CreatedAt) > c.ttl {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) ||
			(j.CreatedAt.Equal(best.CreatedAt) && j.ID > best.ID) {
			best = j
		}
	}
	return best
}

// evictLocked drops expired jobs, then the oldest live ones while over the
// size bound.
func (c *Cache) evictLocked() {
	for id, j := range c.jobs {
		if time.Since(j.CreatedAt) > c.ttl {
			delete(c.jobs, id)
		}
	}
	for len(c.jobs) > c.limit {
		var oldest *Job
		for _, j := range c.jobs {
			if oldest == nil || j.ID < oldest.ID {
				oldest = j
			}
		}
		delete(c.jobs, oldest.ID)
	}
}
