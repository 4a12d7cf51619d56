package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nexus-runtime/bridge/internal/types"
)

// CompiledHandler is the executable artifact for one handler source.
// Program and Bytecode are shared read-only between executions.
type CompiledHandler struct {
	Key         string
	Bytecode    []byte
	Program     *goja.Program
	SourceMap   *SourceMap
	CacheHit    bool
	CompileTime time.Duration
}

func (h *CompiledHandler) size() int64 {
	return int64(len(h.Bytecode))
}

func (h *CompiledHandler) withHit(hit bool) *CompiledHandler {
	cp := *h
	cp.CacheHit = hit
	return &cp
}

// Options configures a Compiler
type Options struct {
	// Version is mixed into every cache key; changing it invalidates all entries
	Version string
	// MaxCacheBytes bounds the memory cache
	MaxCacheBytes int64
	// CacheDir enables the disk cache when non-empty
	CacheDir string
	Logger   *zap.Logger
}

// Stats is a snapshot of compiler activity
type Stats struct {
	Entries      int     `json:"entries"`
	SizeBytes    int64   `json:"sizeBytes"`
	MaxBytes     int64   `json:"maxBytes"`
	Hits         uint64  `json:"hits"`
	DiskHits     uint64  `json:"diskHits"`
	Misses       uint64  `json:"misses"`
	Compilations uint64  `json:"compilations"`
	Evictions    uint64  `json:"evictions"`
	HitRate      float64 `json:"hitRate"`
}

// Compiler turns handler source into CompiledHandlers backed by a memory
// LRU and an optional disk cache
type Compiler struct {
	version string
	memory  *memoryCache
	disk    *diskCache
	flight  singleflight.Group
	logger  *zap.Logger

	hits         atomic.Uint64
	diskHits     atomic.Uint64
	misses       atomic.Uint64
	compilations atomic.Uint64
}

// New creates a compiler
func New(opts Options) *Compiler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compiler{
		version: opts.Version,
		memory:  newMemoryCache(opts.MaxCacheBytes),
		logger:  logger.Named("compiler"),
	}
	if opts.CacheDir != "" {
		c.disk = &diskCache{dir: opts.CacheDir}
	}
	return c
}

// Version returns the runtime version tag
func (c *Compiler) Version() string { return c.version }

// Key derives the cache key for source under the current version tag
func (c *Compiler) Key(source string) string {
	sum := sha256.Sum256([]byte(source + ":" + c.version))
	return hex.EncodeToString(sum[:])
}

// Compile returns the handler for source, consulting the memory cache, then
// the disk cache, then compiling. Syntax errors return a COMPILE_ERROR.
func (c *Compiler) Compile(source string) (*CompiledHandler, error) {
	key := c.Key(source)
	if h, ok := c.memory.get(key); ok {
		c.hits.Add(1)
		return h.withHit(true), nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if h, ok := c.memory.get(key); ok {
			c.hits.Add(1)
			return h.withHit(true), nil
		}
		if h := c.fromDisk(key, source); h != nil {
			c.hits.Add(1)
			c.diskHits.Add(1)
			c.insert(h)
			return h.withHit(true), nil
		}

		c.misses.Add(1)
		h, err := c.build(key, source)
		if err != nil {
			return nil, err
		}
		c.insert(h)
		c.persist(h)
		return h.withHit(false), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledHandler), nil
}

// Bytecode returns the serialized artifact for source (precompile path)
func (c *Compiler) Bytecode(source string) ([]byte, error) {
	h, err := c.Compile(source)
	if err != nil {
		return nil, err
	}
	return h.Bytecode, nil
}

// Load turns a previously produced artifact back into a handler. The result
// always reports a cache hit. Artifacts from another runtime version or that
// fail validation are COMPILE_ERRORs.
func (c *Compiler) Load(bytecode []byte) (*CompiledHandler, error) {
	art, err := decodeArtifact(bytecode)
	if err != nil {
		return nil, types.CompileError(err.Error(), nil)
	}
	if art.version != c.version {
		return nil, types.CompileError(
			fmt.Sprintf("%v: built for %q, runtime is %q", ErrStaleBytecode, art.version, c.version), nil)
	}
	source, ok := Unwrap(art.script)
	if !ok {
		return nil, types.CompileError(fmt.Sprintf("%v: harness mismatch", ErrCorruptBytecode), nil)
	}

	key := c.Key(source)
	if h, ok := c.memory.get(key); ok {
		c.hits.Add(1)
		return h.withHit(true), nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		start := time.Now()
		sm := NewSourceMap(source)
		prog, err := compileScript(art.script, sm)
		if err != nil {
			return nil, err
		}
		h := &CompiledHandler{
			Key:         key,
			Bytecode:    append([]byte(nil), bytecode...),
			Program:     prog,
			SourceMap:   sm,
			CompileTime: time.Since(start),
		}
		c.insert(h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	c.hits.Add(1)
	return v.(*CompiledHandler).withHit(true), nil
}

func (c *Compiler) build(key, source string) (*CompiledHandler, error) {
	start := time.Now()
	sm := NewSourceMap(source)
	wrapped := Wrap(source)

	prog, err := compileScript(wrapped, sm)
	if err != nil {
		return nil, err
	}
	bytecode, err := encodeArtifact(c.version, wrapped)
	if err != nil {
		return nil, types.Internal("encode bytecode: %v", err)
	}
	c.compilations.Add(1)

	return &CompiledHandler{
		Key:         key,
		Bytecode:    bytecode,
		Program:     prog,
		SourceMap:   sm,
		CompileTime: time.Since(start),
	}, nil
}

// compileScript parses the wrapped script and rejects sources that close
// the harness early
func compileScript(wrapped string, sm *SourceMap) (*goja.Program, error) {
	ast, err := goja.Parse(ScriptName, wrapped)
	if err != nil {
		return nil, sm.syntaxError(err)
	}
	if len(ast.Body) != 1 {
		return nil, types.CompileError("handler source must not close the handler function", nil)
	}
	prog, err := goja.CompileAST(ast, false)
	if err != nil {
		return nil, sm.syntaxError(err)
	}
	return prog, nil
}

func (c *Compiler) fromDisk(key, source string) *CompiledHandler {
	if c.disk == nil {
		return nil
	}
	data, ok, err := c.disk.load(key)
	if err != nil {
		c.logger.Warn("disk cache read failed", zap.String("cache_key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	art, err := decodeArtifact(data)
	if err == nil && art.version != c.version {
		err = ErrStaleBytecode
	}
	if err == nil {
		if stored, ok := Unwrap(art.script); !ok || stored != source {
			err = fmt.Errorf("%w: source mismatch", ErrCorruptBytecode)
		}
	}
	if err != nil {
		c.logger.Warn("discarding unusable disk cache entry", zap.String("cache_key", key), zap.Error(err))
		if rmErr := c.disk.remove(key); rmErr != nil {
			c.logger.Debug("remove cache file", zap.Error(rmErr))
		}
		return nil
	}

	start := time.Now()
	sm := NewSourceMap(source)
	prog, err := compileScript(art.script, sm)
	if err != nil {
		return nil
	}
	return &CompiledHandler{
		Key:         key,
		Bytecode:    data,
		Program:     prog,
		SourceMap:   sm,
		CompileTime: time.Since(start),
	}
}

func (c *Compiler) insert(h *CompiledHandler) {
	evicted, stored := c.memory.put(h.Key, h, h.size())
	for _, k := range evicted {
		c.logger.Debug("evicted handler", zap.String("cache_key", k))
	}
	if !stored {
		c.logger.Warn("handler larger than memory cache budget, not cached",
			zap.String("cache_key", h.Key), zap.Int64("size", h.size()))
	}
}

// persist writes to disk; failures leave the entry memory-only
func (c *Compiler) persist(h *CompiledHandler) {
	if c.disk == nil {
		return
	}
	if err := c.disk.store(h.Key, h.Bytecode); err != nil {
		c.logger.Warn("disk cache write failed, continuing memory-only",
			zap.String("cache_key", h.Key), zap.Error(err))
	}
}

// ClearCache drops every memory entry. The disk cache is left intact.
func (c *Compiler) ClearCache() {
	c.memory.clear()
}

// Cached reports whether source is in the memory cache
func (c *Compiler) Cached(source string) bool {
	return c.memory.contains(c.Key(source))
}

// Stats returns a snapshot of cache and compile counters
func (c *Compiler) Stats() Stats {
	entries, size, evictions := c.memory.stats()
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Entries:      entries,
		SizeBytes:    size,
		MaxBytes:     c.memory.maxBytes,
		Hits:         hits,
		DiskHits:     c.diskHits.Load(),
		Misses:       misses,
		Compilations: c.compilations.Load(),
		Evictions:    evictions,
		HitRate:      rate,
	}
}

// IsCompileError reports whether err came from handler source or bytecode validation
func IsCompileError(err error) bool {
	return types.IsCode(err, types.CodeCompileError) ||
		errors.Is(err, ErrCorruptBytecode) || errors.Is(err, ErrStaleBytecode)
}
