package mdcache

import "time"

// Config holds the tunables recognized by the cache (spec §6).
type Config struct {
	// AvlMax is the hard ceiling on active dirents per directory.
	// Exceeding it fails an insertion with ErrOverflow and flips the
	// directory into bypass mode.
	AvlMax int

	// AvlChunk is the target number of dirents per chunk. 0 turns off
	// chunk placement outside readdir: new dirents are kept detached and
	// a same-directory rename edits the by-name index in place. Readdir
	// still builds a chunk list in that mode, rotating to a new chunk
	// after every dirent.
	AvlChunk int

	// AvlChunkSplit is the entry count at which a chunk is split in
	// two. Must be >= 2*AvlChunk.
	AvlChunkSplit int

	// AvlDetachedMax bounds the number of detached dirents kept per
	// directory before the oldest is evicted.
	AvlDetachedMax int

	// RetryReaddir, when true, makes a Readdir that finds its target
	// chunk already being populated by another caller return ErrDelay
	// instead of waiting on it, so the caller can retry at its own
	// pace (spec §4.8's DELAY status). RetryReaddirRate/Burst bound how
	// often that DELAY is actually handed back per Cache: once the
	// token bucket is spent, a contended Readdir just waits instead of
	// bouncing every racing caller.
	RetryReaddir bool

	// RetryReaddirRate is the steady-state number of ErrDelay responses
	// per second the cache will produce; RetryReaddirBurst is the token
	// bucket's burst size. Only meaningful when RetryReaddir is true.
	RetryReaddirRate  float64
	RetryReaddirBurst int

	// ExpireTimeAttr is the default attribute TTL.
	ExpireTimeAttr time.Duration

	// Shards is the number of CIH hash-table shards. Must be a power
	// of two.
	Shards int

	// EntryLimit bounds the number of entries the LRU pool will hold
	// before it must evict to make room for a new one.
	EntryLimit int

	// ChunkLimit bounds the number of directory chunks held across all
	// directories before the chunk LRU must reclaim one.
	ChunkLimit int
}

// DefaultConfig returns the tunables used when a caller does not
// override them: 128-dirent chunks split at 256, and room for 100000
// entries and 10000 chunks before eviction.
func DefaultConfig() Config {
	return Config{
		AvlMax:            1 << 20,
		AvlChunk:          128,
		AvlChunkSplit:     256,
		AvlDetachedMax:    64,
		RetryReaddir:      true,
		RetryReaddirRate:  50,
		RetryReaddirBurst: 10,
		ExpireTimeAttr:    60 * time.Second,
		Shards:            64,
		EntryLimit:        100000,
		ChunkLimit:        10000,
	}
}

func (c Config) normalized() Config {
	if c.Shards <= 0 {
		c.Shards = 64
	}
	if c.AvlChunkSplit < 2*c.AvlChunk && c.AvlChunk > 0 {
		c.AvlChunkSplit = 2 * c.AvlChunk
	}
	if c.AvlMax <= 0 {
		c.AvlMax = 1 << 20
	}
	if c.AvlDetachedMax <= 0 {
		c.AvlDetachedMax = 64
	}
	if c.EntryLimit <= 0 {
		c.EntryLimit = 100000
	}
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = 10000
	}
	if c.RetryReaddirRate <= 0 {
		c.RetryReaddirRate = 50
	}
	if c.RetryReaddirBurst <= 0 {
		c.RetryReaddirBurst = 10
	}
	return c
}

// chunkingEnabled reports whether dirents placed outside readdir join
// chunks (AvlChunk == 0 turns that off, see Config.AvlChunk).
func (c Config) chunkingEnabled() bool {
	return c.AvlChunk > 0
}
