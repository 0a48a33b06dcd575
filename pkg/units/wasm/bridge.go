package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

// bridge calls module exports that take and return JSON.
//
// An export has the signature fn(ptr, len u32) u64. The input is written into
// memory obtained from the module's malloc; the result packs the output
// location as (ptr << 32) | len and is released with free once read.
type bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
	logger zerolog.Logger
}

func newBridge(module api.Module, logger zerolog.Logger) (*bridge, error) {
	b := &bridge{module: module, logger: logger}

	// Memory reports the instance memory even when it is not exported.
	b.memory = module.ExportedMemory("memory")
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	b.malloc = module.ExportedFunction("malloc")
	if b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}

	b.free = module.ExportedFunction("free")
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}

	return b, nil
}

// export returns the named function or an error.
func (b *bridge) export(name string) (api.Function, error) {
	fn := b.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", name)
	}
	return fn, nil
}

// invoke marshals req, calls fn and unmarshals the result into resp.
func (b *bridge) invoke(ctx context.Context, fn api.Function, req, resp any) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.call(ctx, fn, input)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(output, resp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() {
			if err := b.deallocate(ctx, ptr); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to free input buffer")
			}
		}()

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view of module memory; copy before free.
	output := make([]byte, len(view))
	copy(output, view)

	if err := b.deallocate(ctx, outputPtr); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to free output buffer")
	}

	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
