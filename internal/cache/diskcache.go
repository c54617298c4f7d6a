package cache

import (
	"bufio"
	"container/list"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// DefaultMaxDiskBytes caps the disk cache at 5 MB unless configured.
const DefaultMaxDiskBytes = 5 * 1024 * 1024

// Sentinel written at the start of every cache file; a mismatch marks the
// file as corrupt.
const cacheMagic uint32 = 0x20150306

// Pruning stops once usage drops below this fraction of the cap, so a run
// of puts does not re-prune on every insert.
const hysteresisFactor = 0.9

// DiskCache is a Cache persisted as one file per entry in a flat directory,
// with an in-memory header index kept in access order for LRU eviction.
//
// Every public method holds the cache mutex; the index and the filesystem
// are mutated together.
type DiskCache struct {
	mu sync.Mutex

	root     string
	maxBytes int64
	total    int64

	index map[string]*list.Element // key -> element holding *header
	order *list.List               // front = least recently used
	log   *slog.Logger
}

// header mirrors an Entry minus its body. size counts the body bytes for
// entries written this run, or the whole file for entries found by the
// initialize scan.
type header struct {
	key             string
	size            int64
	etag            string
	serverDate      int64
	lastModified    int64
	ttl             int64
	softTTL         int64
	responseHeaders map[string]string
}

// NewDiskCache creates a disk cache rooted at dir. maxBytes <= 0 selects
// the default cap. Initialize must be called before use.
func NewDiskCache(dir string, maxBytes int64, logger *slog.Logger) *DiskCache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDiskBytes
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DiskCache{
		root:     dir,
		maxBytes: maxBytes,
		index:    make(map[string]*list.Element),
		order:    list.New(),
		log:      logger,
	}
}

// Initialize creates the root directory if missing, otherwise scans every
// file and indexes its header. Unreadable files are deleted.
func (c *DiskCache) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.root); os.IsNotExist(err) {
		if err := os.MkdirAll(c.root, 0o755); err != nil {
			c.log.Error("unable to create cache dir", "dir", c.root, "error", err)
		}
		return
	}

	files, err := os.ReadDir(c.root)
	if err != nil {
		c.log.Error("unable to scan cache dir", "dir", c.root, "error", err)
		return
	}
	for _, de := range files {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.root, de.Name())
		h, err := readHeaderFile(path)
		if err != nil {
			c.log.Debug("deleting unreadable cache file", "file", de.Name(), "error", err)
			os.Remove(path)
			continue
		}
		c.putHeaderLocked(h.key, h)
	}
}

// Get returns the entry for key, refreshing its recency, or nil when the
// key is absent or its file cannot be read. Unreadable entries are removed.
func (c *DiskCache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return nil
	}
	c.order.MoveToBack(elem)

	entry, err := c.readEntry(key)
	if err != nil {
		c.log.Debug("cache read failed", "key", key, "error", err)
		c.removeLocked(key)
		return nil
	}
	return entry
}

// Put stores entry under key, pruning first so the new file fits.
func (c *DiskCache) Put(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(int64(len(entry.Data)))

	path := c.fileForKey(key)
	h := &header{
		key:             key,
		size:            int64(len(entry.Data)),
		etag:            entry.ETag,
		serverDate:      entry.ServerDate,
		lastModified:    entry.LastModified,
		ttl:             entry.TTL,
		softTTL:         entry.SoftTTL,
		responseHeaders: entry.ResponseHeaders,
	}
	if err := writeEntryFile(path, h, entry.Data); err != nil {
		c.log.Debug("cache write failed", "key", key, "error", err)
		os.Remove(path)
		return
	}
	c.putHeaderLocked(key, h)
}

// Invalidate expires the entry for key by rewriting it with a zeroed soft
// TTL, and a zeroed hard TTL when fullExpire is set.
func (c *DiskCache) Invalidate(key string, fullExpire bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		return
	}
	c.order.MoveToBack(elem)
	entry, err := c.readEntry(key)
	if err != nil {
		c.removeLocked(key)
		return
	}

	entry.SoftTTL = 0
	if fullExpire {
		entry.TTL = 0
	}

	c.pruneLocked(int64(len(entry.Data)))
	path := c.fileForKey(key)
	h := &header{
		key:             key,
		size:            int64(len(entry.Data)),
		etag:            entry.ETag,
		serverDate:      entry.ServerDate,
		lastModified:    entry.LastModified,
		ttl:             entry.TTL,
		softTTL:         entry.SoftTTL,
		responseHeaders: entry.ResponseHeaders,
	}
	if err := writeEntryFile(path, h, entry.Data); err != nil {
		os.Remove(path)
		c.removeLocked(key)
		return
	}
	c.putHeaderLocked(key, h)
}

// Remove deletes the entry for key.
func (c *DiskCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Clear deletes every cache file and resets the index.
func (c *DiskCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := os.ReadDir(c.root)
	if err == nil {
		for _, de := range files {
			os.Remove(filepath.Join(c.root, de.Name()))
		}
	}
	c.index = make(map[string]*list.Element)
	c.order.Init()
	c.total = 0
	c.log.Debug("cache cleared")
}

// TotalSize reports the tracked byte total, for tests and monitoring.
func (c *DiskCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *DiskCache) readEntry(key string) (*Entry, error) {
	f, err := os.Open(c.fileForKey(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	cr := &countingReader{r: bufio.NewReader(f)}
	h, err := readHeader(cr)
	if err != nil {
		return nil, err
	}
	if h.key != key {
		return nil, fmt.Errorf("cache file key mismatch: stored %q, want %q", h.key, key)
	}

	bodyLen := fi.Size() - cr.n
	if bodyLen < 0 {
		return nil, fmt.Errorf("cache file for %q shorter than its header", key)
	}
	data := make([]byte, bodyLen)
	if _, err := io.ReadFull(cr, data); err != nil {
		return nil, err
	}

	return &Entry{
		Data:            data,
		ETag:            h.etag,
		ServerDate:      h.serverDate,
		LastModified:    h.lastModified,
		TTL:             h.ttl,
		SoftTTL:         h.softTTL,
		ResponseHeaders: h.responseHeaders,
	}, nil
}

func (c *DiskCache) pruneLocked(needed int64) {
	if float64(c.total+needed) < float64(c.maxBytes) {
		return
	}

	before := c.total
	pruned := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		h := elem.Value.(*header)
		if err := os.Remove(c.fileForKey(h.key)); err == nil || os.IsNotExist(err) {
			c.total -= h.size
		} else {
			c.log.Debug("could not delete cache file", "key", h.key, "error", err)
		}
		c.order.Remove(elem)
		delete(c.index, h.key)
		pruned++
		if float64(c.total+needed) < float64(c.maxBytes)*hysteresisFactor {
			break
		}
		elem = next
	}
	c.log.Debug("pruned cache entries", "files", pruned, "bytes", before-c.total)
}

func (c *DiskCache) putHeaderLocked(key string, h *header) {
	if elem, ok := c.index[key]; ok {
		old := elem.Value.(*header)
		c.total += h.size - old.size
		elem.Value = h
		c.order.MoveToBack(elem)
		return
	}
	c.total += h.size
	c.index[key] = c.order.PushBack(h)
}

func (c *DiskCache) removeLocked(key string) {
	err := os.Remove(c.fileForKey(key))
	if err != nil && !os.IsNotExist(err) {
		c.log.Debug("could not delete cache file", "key", key, "error", err)
	}
	if elem, ok := c.index[key]; ok {
		h := elem.Value.(*header)
		c.total -= h.size
		c.order.Remove(elem)
		delete(c.index, key)
	}
}

func (c *DiskCache) fileForKey(key string) string {
	return filepath.Join(c.root, filenameForKey(key))
}

// filenameForKey derives a deterministic, pseudo-random file name by
// concatenating string hashes of the two key halves. Collisions between
// distinct keys surface later as a corrupt-entry read (the stored key will
// not match) and are accepted as a rare fault.
func filenameForKey(key string) string {
	half := len(key) / 2
	return strconv.FormatInt(int64(stringHash(key[:half])), 10) +
		strconv.FormatInt(int64(stringHash(key[half:])), 10)
}

func stringHash(s string) int32 {
	var h int32
	for _, r := range s {
		h = 31*h + r
	}
	return h
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
