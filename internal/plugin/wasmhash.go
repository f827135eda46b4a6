// Package plugin hosts optional, untrusted WebAssembly extensions to the
// engine's pluggable strategies (spec.md §9: "pluggable strategies ... are
// specified as capability sets; the core does not care how they are
// represented"). The only extension point here is a WASM-backed
// HashProvider; heliad's hash-provider selection does not load it, so it is
// used only by code that calls LoadWASMHashProvider. Treat any module loaded here as
// untrusted code — it runs sandboxed, with no filesystem or network access.
package plugin

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WASMHashProvider loads a WebAssembly module that exports a `digest`
// function and uses it as the Security Core's HashProvider, in place of
// the built-in SHA-256/FNV implementations. This is the concrete home for
// the teacher's wazero dependency.
type WASMHashProvider struct {
	runtime  wazero.Runtime
	instance api.Module
	digest   api.Function
	malloc   api.Function
	free     api.Function
}

// LoadWASMHashProvider compiles and instantiates the module at wasmPath.
// The module must export:
//   - alloc(size uint32) -> ptr uint32
//   - free(ptr uint32)
//   - digest(ptr uint32, len uint32) -> (outPtr uint32, outLen uint32)
//
// and a linear memory named "memory". Modules are sandboxed by wazero's
// default module config: no filesystem, no environment, no network.
func LoadWASMHashProvider(ctx context.Context, wasmPath string) (*WASMHashProvider, error) {
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("plugin: read wasm module: %w", err)
	}

	cacheDir, cacheErr := os.UserCacheDir()
	var cache wazero.CompilationCache
	if cacheErr == nil {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir + "/helia-wasm-cache"); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}

	runtimeConfig := wazero.NewRuntimeConfig().WithCompilationCache(cache)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("plugin: compile wasm module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().WithName("helia-hash-provider")
	instance, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("plugin: instantiate wasm module: %w", err)
	}

	digestFn := instance.ExportedFunction("digest")
	mallocFn := instance.ExportedFunction("alloc")
	freeFn := instance.ExportedFunction("free")
	if digestFn == nil || mallocFn == nil || freeFn == nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("plugin: wasm module missing required export (alloc/free/digest)")
	}

	return &WASMHashProvider{runtime: runtime, instance: instance, digest: digestFn, malloc: mallocFn, free: freeFn}, nil
}

// Digest implements security.HashProvider by copying data into the
// module's linear memory, invoking digest, and copying the result out.
func (p *WASMHashProvider) Digest(data []byte) []byte {
	ctx := context.Background()

	results, err := p.malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return nil
	}
	ptr := uint32(results[0])
	defer func() { _, _ = p.free.Call(ctx, uint64(ptr)) }()

	mem := p.instance.Memory()
	if !mem.Write(ptr, data) {
		return nil
	}

	out, err := p.digest.Call(ctx, uint64(ptr), uint64(len(data)))
	if err != nil || len(out) < 2 {
		return nil
	}
	outPtr, outLen := uint32(out[0]), uint32(out[1])
	result, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil
	}
	digest := make([]byte, len(result))
	copy(digest, result)
	return digest
}

// Close releases the wazero runtime and its compiled module.
func (p *WASMHashProvider) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
