package cache

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrKeyExists is returned when inserting a key that is already cached.
var ErrKeyExists = errors.New("cache: key already exists")

// Cache is a weighted, least recently used cache.
type Cache interface {
	// SetVerbose toggles eviction logging.
	SetVerbose(verbose bool)

	// GetWeight returns the combined weight of all cached entries.
	GetWeight() int

	// GetBudget returns the weight above which entries are evicted.
	GetBudget() int

	// Insert caches value under key. Least recently used entries are evicted
	// until the cache fits its budget again.
	Insert(key string, value interface{}, weight int) error

	// Retrieve returns the value for key and marks it most recently used.
	Retrieve(key string) (interface{}, bool)

	// Clear drops every entry.
	Clear()
}

type entry struct {
	newer, older *entry
	key          string
	value        interface{}
	weight       int
}

type cache struct {
	log *logrus.Entry

	mu      sync.Mutex
	newest  *entry
	oldest  *entry
	entries map[string]*entry
	weight  int
	budget  int
	verbose bool
}

// NewCache returns an empty Cache with the given weight budget.
func NewCache(budget int) Cache {
	return &cache{
		log:     logrus.StandardLogger().WithField("type", "cache"),
		entries: make(map[string]*entry),
		budget:  budget,
	}
}

func (c *cache) SetVerbose(verbose bool) {
	c.mu.Lock()
	c.verbose = verbose
	c.mu.Unlock()
}

func (c *cache) GetWeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

func (c *cache) GetBudget() int {
	return c.budget
}

func (c *cache) Insert(key string, value interface{}, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return ErrKeyExists
	}

	e := &entry{key: key, value: value, weight: weight}
	c.pushFront(e)
	c.entries[key] = e
	c.weight += weight

	for c.weight > c.budget && c.oldest != nil {
		evicted := c.oldest
		c.unlink(evicted)
		delete(c.entries, evicted.key)
		c.weight -= evicted.weight

		if c.verbose {
			c.log.WithFields(logrus.Fields{
				"key":          evicted.key,
				"weight":       evicted.weight,
				"spare_weight": c.budget - c.weight,
			}).Debug("evicted cache entry")
		}
	}

	return nil
}

func (c *cache) Retrieve(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	if e != c.newest {
		c.unlink(e)
		c.pushFront(e)
	}
	return e.value, true
}

func (c *cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.newest = nil
	c.oldest = nil
	c.entries = make(map[string]*entry)
	c.weight = 0
}

func (c *cache) pushFront(e *entry) {
	e.older = c.newest
	e.newer = nil
	if c.newest != nil {
		c.newest.newer = e
	}
	c.newest = e
	if c.oldest == nil {
		c.oldest = e
	}
}

func (c *cache) unlink(e *entry) {
	if e.newer != nil {
		e.newer.older = e.older
	} else {
		c.newest = e.older
	}
	if e.older != nil {
		e.older.newer = e.newer
	} else {
		c.oldest = e.newer
	}
	e.newer, e.older = nil, nil
}
