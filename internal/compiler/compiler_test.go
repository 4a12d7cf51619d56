package compiler

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-runtime/bridge/internal/types"
)

func newTestCompiler(t *testing.T, opts Options) *Compiler {
	t.Helper()
	if opts.Version == "" {
		opts.Version = "v1"
	}
	if opts.MaxCacheBytes == 0 {
		opts.MaxCacheBytes = 1 << 20
	}
	return New(opts)
}

func TestCompileCacheDeterminism(t *testing.T) {
	c := newTestCompiler(t, Options{})
	src := "$state.count++"

	first, err := c.Compile(src)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	require.NotNil(t, first.Program)

	second, err := c.Compile(src)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Bytecode, second.Bytecode)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Compilations)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 0.5, stats.HitRate)
}

func TestVersionTagChangesKey(t *testing.T) {
	dir := t.TempDir()
	v1 := newTestCompiler(t, Options{Version: "v1", CacheDir: dir})
	v2 := newTestCompiler(t, Options{Version: "v2", CacheDir: dir})
	src := "return 1"

	assert.NotEqual(t, v1.Key(src), v2.Key(src))
	assert.Equal(t, v1.Key(src), newTestCompiler(t, Options{Version: "v1"}).Key(src))

	_, err := v1.Compile(src)
	require.NoError(t, err)

	h, err := v2.Compile(src)
	require.NoError(t, err)
	assert.False(t, h.CacheHit)
}

func TestCompileError(t *testing.T) {
	c := newTestCompiler(t, Options{})

	_, err := c.Compile("const x = ;\nreturn x")
	require.Error(t, err)
	e := types.AsError(err)
	assert.Equal(t, types.CodeCompileError, e.Code)
	require.NotNil(t, e.Location)
	assert.Equal(t, 1, e.Location.Line)
	assert.Contains(t, e.Snippet, ">    1 | const x = ;")

	assert.Equal(t, 0, c.Stats().Entries)
	assert.True(t, IsCompileError(err))
}

func TestHarnessEscapeRejected(t *testing.T) {
	c := newTestCompiler(t, Options{})

	_, err := c.Compile("}); globalThis.leak = 1; (async function () {")
	require.Error(t, err)
	assert.Equal(t, types.CodeCompileError, types.AsError(err).Code)
}

func TestAwaitAllowedAtTopLevel(t *testing.T) {
	c := newTestCompiler(t, Options{})
	_, err := c.Compile("const r = await $ext.http.get($args.url);\n$state.data = r;")
	require.NoError(t, err)
}

func TestLRUEviction(t *testing.T) {
	probe := newTestCompiler(t, Options{})
	h, err := probe.Compile("return 'a'")
	require.NoError(t, err)
	size := int64(len(h.Bytecode))

	c := newTestCompiler(t, Options{MaxCacheBytes: 2*size + size/2})

	_, err = c.Compile("return 'a'")
	require.NoError(t, err)
	_, err = c.Compile("return 'b'")
	require.NoError(t, err)

	// touching a makes b the least recently accessed
	hit, err := c.Compile("return 'a'")
	require.NoError(t, err)
	assert.True(t, hit.CacheHit)

	_, err = c.Compile("return 'c'")
	require.NoError(t, err)

	assert.True(t, c.Cached("return 'a'"))
	assert.False(t, c.Cached("return 'b'"))
	assert.True(t, c.Cached("return 'c'"))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.LessOrEqual(t, c.Stats().SizeBytes, 2*size+size/2)
	assert.Equal(t, uint64(2), c.memory.accessCount(c.Key("return 'a'")))
}

func TestOversizedEntryNotCached(t *testing.T) {
	c := newTestCompiler(t, Options{MaxCacheBytes: 8})
	h, err := c.Compile("return 1")
	require.NoError(t, err)
	assert.NotNil(t, h.Program)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestDiskCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	src := "return $args.x * 2"

	c1 := newTestCompiler(t, Options{CacheDir: dir})
	first, err := c1.Compile(src)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	data, err := os.ReadFile(filepath.Join(dir, first.Key+Extension))
	require.NoError(t, err)
	assert.Equal(t, first.Bytecode, data)

	// fresh memory, same disk
	c2 := newTestCompiler(t, Options{CacheDir: dir})
	second, err := c2.Compile(src)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, uint64(1), c2.Stats().DiskHits)
	assert.Equal(t, uint64(0), c2.Stats().Compilations)
	assert.True(t, c2.Cached(src))
}

func TestCorruptDiskEntryIgnored(t *testing.T) {
	dir := t.TempDir()
	c := newTestCompiler(t, Options{CacheDir: dir})
	src := "return 42"
	path := filepath.Join(dir, c.Key(src)+Extension)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	h, err := c.Compile(src)
	require.NoError(t, err)
	assert.False(t, h.CacheHit)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, h.Bytecode, data)
}

func TestDiskWriteFailureDegrades(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// cache dir beneath a regular file cannot be created
	c := newTestCompiler(t, Options{CacheDir: filepath.Join(blocker, "cache")})
	h, err := c.Compile("return 1")
	require.NoError(t, err)
	assert.False(t, h.CacheHit)
	assert.True(t, c.Cached("return 1"))
}

func TestClearCacheKeepsDisk(t *testing.T) {
	dir := t.TempDir()
	c := newTestCompiler(t, Options{CacheDir: dir})
	src := "return 'x'"

	_, err := c.Compile(src)
	require.NoError(t, err)
	c.ClearCache()
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Zero(t, c.Stats().SizeBytes)

	h, err := c.Compile(src)
	require.NoError(t, err)
	assert.True(t, h.CacheHit, "served from disk after clear")
}

func TestLoadBytecode(t *testing.T) {
	c := newTestCompiler(t, Options{})
	bytecode, err := c.Bytecode("return 7")
	require.NoError(t, err)

	fresh := newTestCompiler(t, Options{})
	h, err := fresh.Load(bytecode)
	require.NoError(t, err)
	assert.True(t, h.CacheHit)
	assert.Equal(t, c.Key("return 7"), h.Key)
	assert.True(t, fresh.Cached("return 7"))

	again, err := fresh.Load(bytecode)
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, uint64(2), fresh.Stats().Hits)
}

func TestLoadRejectsBadBytecode(t *testing.T) {
	c := newTestCompiler(t, Options{Version: "v1"})
	bytecode, err := c.Bytecode("return 1")
	require.NoError(t, err)

	other := newTestCompiler(t, Options{Version: "v2"})
	_, err = other.Load(bytecode)
	require.Error(t, err)
	assert.Equal(t, types.CodeCompileError, types.AsError(err).Code)
	assert.Contains(t, err.Error(), "different runtime version")

	tampered := append([]byte(nil), bytecode...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = c.Load(tampered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")

	_, err = c.Load([]byte("nope"))
	require.Error(t, err)
}

func TestConcurrentCompileSameSource(t *testing.T) {
	c := newTestCompiler(t, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Compile("return 'shared'")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1), c.Stats().Compilations)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestSourceMap(t *testing.T) {
	sm := NewSourceMap("let a = 1\nlet b = 2\nthrow new Error('x')\nlet d = 4")
	assert.Equal(t, 4, sm.Lines())

	loc := sm.Location(4, 1)
	assert.Equal(t, &types.Location{Line: 3, Column: 1}, loc)
	assert.Equal(t, 1, sm.Location(1, 5).Line, "harness line clamps to first handler line")

	snippet := sm.Snippet(3, 1)
	assert.Equal(t, "     2 | let b = 2\n>    3 | throw new Error('x')\n     4 | let d = 4", snippet)
	assert.Empty(t, sm.Snippet(9, 1))

	e := types.NewError(types.CodeExecutionError, "x")
	sm.Annotate(e, "Error: x\n\tat handler.js:4:7(3)")
	require.NotNil(t, e.Location)
	assert.Equal(t, 3, e.Location.Line)
	assert.Equal(t, 7, e.Location.Column)
}

func TestWrapUnwrap(t *testing.T) {
	src := "return $args.a"
	wrapped := Wrap(src)
	assert.Contains(t, wrapped, "$state, $args, $scope, $emit, $view, $ext, $log")

	got, ok := Unwrap(wrapped)
	require.True(t, ok)
	assert.Equal(t, src, got)

	_, ok = Unwrap("function(){}")
	assert.False(t, ok)
}
