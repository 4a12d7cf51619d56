/*
Package compiler turns handler source into executable artifacts.

# Overview

Handler source is wrapped in an async function harness taking the injected
globals ($state, $args, $scope, $emit, $view, $ext, $log), parsed and
compiled into a *goja.Program. The same wrapped script is serialized into a
versioned, checksummed bytecode blob:

	magic "NXBC" | format u16 | len(version) u16 | version | xxhash64 u64 | zstd(script)

The blob is what the disk cache stores and what PrecompileHandler hands out;
Load validates it and rebuilds the program.

# Caching

Keys are sha256(source + ":" + version). Lookups go memory LRU, then disk,
then compile. Concurrent compiles of the same key are collapsed. A disk
write failure leaves the entry memory-only; a corrupt or stale disk file is
removed and recompiled. ClearCache only drops the memory tier.

# Usage

	c := compiler.New(compiler.Options{Version: "v1", MaxCacheBytes: 64 << 20, CacheDir: ".nexus-cache"})
	h, err := c.Compile(`$state.count++`)
	if err != nil {
		// types.Error with Code COMPILE_ERROR and a handler-relative Location
	}
*/
package compiler
