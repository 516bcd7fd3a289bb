package ingestion

import (
	"container/list"

	"UsdnLedger/internal/observability"
)

// DBChecker answers cold-path duplicate lookups, normally against the
// Postgres action log.
type DBChecker interface {
	IsDuplicate(kind string, idempotencyKey string) (bool, error)
}

// Dedup drops redelivered requests with a two-tier lookup: an in-memory LRU
// for the hot path and the action log for requests older than the LRU window.
// Not safe for concurrent use; the dispatcher owns it.
type Dedup struct {
	lru     *keyLRU
	db      DBChecker
	metrics *observability.Metrics
}

func NewDedup(capacity int, db DBChecker, metrics *observability.Metrics) *Dedup {
	return &Dedup{
		lru:     newKeyLRU(capacity),
		db:      db,
		metrics: metrics,
	}
}

// IsDuplicate reports whether the request was already processed. A DB error
// degrades to "not a duplicate" so a Postgres hiccup cannot stall ingestion;
// the unique index on the action log still blocks the double write.
func (d *Dedup) IsDuplicate(kind, key string) bool {
	composite := kind + ":" + key

	if d.lru.Contains(composite) {
		if d.metrics != nil {
			d.metrics.IngestDuplicates.Inc()
		}
		return true
	}

	if d.db != nil {
		isDup, err := d.db.IsDuplicate(kind, key)
		if err != nil {
			return false
		}
		if isDup {
			d.lru.Add(composite)
			if d.metrics != nil {
				d.metrics.IngestDuplicates.Inc()
			}
			return true
		}
	}
	return false
}

// MarkProcessed records a committed request.
func (d *Dedup) MarkProcessed(kind, key string) {
	d.lru.Add(kind + ":" + key)
}

// Warm preloads composite keys, used at startup to cover the gap between the
// last snapshot and the newest log entries.
func (d *Dedup) Warm(keys []string) {
	for _, k := range keys {
		d.lru.Add(k)
	}
}

// keyLRU is a plain LRU over string keys.
type keyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newKeyLRU(capacity int) *keyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &keyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *keyLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *keyLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
	}
}

func (l *keyLRU) Len() int { return l.order.Len() }
