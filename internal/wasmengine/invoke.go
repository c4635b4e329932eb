package wasmengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/hostabi"
)

const outTupleSize = 8 // resp_ptr u32 LE, resp_len u32 LE

// InvokeRequest carries everything one guest call needs: the content
// hash identifying the module, a loader for its bytes (called only on a
// compiled-cache miss), the capability surface bound to
// extrun_host.host_call, the request payload, and this call's memory and
// wall-clock budgets.
type InvokeRequest struct {
	ContentHash string
	LoadModule  func(ctx context.Context) ([]byte, error)
	Surface     *hostabi.Surface
	Input       []byte
	MemoryMB    int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Invoke resolves the runtime pool for this call's memory limit, compiles
// or reuses the cached module, instantiates a fresh guest, calls its
// handler export with Input, and returns the response bytes the guest
// wrote back. Each call gets its own module instance so guest globals and
// linear memory never leak between tenants sharing a compiled module.
func (e *Engine) Invoke(ctx context.Context, req InvokeRequest) ([]byte, error) {
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := e.poolFor(ctx, req.MemoryMB)
	if err != nil {
		return nil, err
	}
	compiled, err := p.compile(ctx, req.ContentHash, req.LoadModule)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx = withSurface(callCtx, req.Surface)

	modCfg := wazero.NewModuleConfig().WithName("")
	var stdout, stderr *lineWriter
	if req.Surface != nil {
		stdout = &lineWriter{emit: req.Surface.EmitStdoutLine}
		stderr = &lineWriter{emit: req.Surface.EmitStderrLine}
		modCfg = modCfg.WithStdout(stdout).WithStderr(stderr)
		defer func() {
			stdout.Flush()
			stderr.Flush()
		}()
	}
	mod, err := p.runtime.InstantiateModule(callCtx, compiled, modCfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeExecuteFailed, "instantiate guest module", err)
	}
	defer mod.Close(callCtx)

	allocFn := mod.ExportedFunction("alloc")
	handlerFn := mod.ExportedFunction("handler")
	if allocFn == nil || handlerFn == nil {
		return nil, apierr.New(apierr.CodeExecuteFailed, "guest module missing alloc or handler export")
	}
	deallocFn := mod.ExportedFunction("dealloc")

	mem := mod.Memory()
	if mem == nil {
		return nil, apierr.New(apierr.CodeExecuteFailed, "guest module has no exported memory")
	}

	inPtr, err := callAlloc(callCtx, allocFn, uint64(len(req.Input)))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeExecuteFailed, "allocate guest input buffer", err)
	}
	if len(req.Input) > 0 && !mem.Write(inPtr, req.Input) {
		return nil, apierr.New(apierr.CodeExecuteFailed, "write guest input buffer out of bounds")
	}

	outPtr, err := callAlloc(callCtx, allocFn, outTupleSize)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeExecuteFailed, "allocate guest out-tuple", err)
	}

	results, err := handlerFn.Call(callCtx, uint64(inPtr), uint64(len(req.Input)), uint64(outPtr))
	if err != nil {
		if callCtx.Err() != nil {
			return nil, apierr.Wrap(apierr.CodeExecuteFailed, "guest handler timed out", callCtx.Err())
		}
		return nil, apierr.Wrap(apierr.CodeExecuteFailed, "guest handler trapped", err)
	}
	if len(results) == 0 || int32(results[0]) != 0 {
		return nil, apierr.New(apierr.CodeExecuteFailed, "guest handler reported failure")
	}

	respPtr, ok := mem.ReadUint32Le(outPtr)
	if !ok {
		return nil, apierr.New(apierr.CodeExecuteFailed, "read guest out-tuple pointer failed")
	}
	respLen, ok := mem.ReadUint32Le(outPtr + 4)
	if !ok {
		return nil, apierr.New(apierr.CodeExecuteFailed, "read guest out-tuple length failed")
	}

	respBytes, ok := mem.Read(respPtr, respLen)
	if !ok {
		return nil, apierr.New(apierr.CodeExecuteFailed, "read guest response buffer out of bounds")
	}
	out := append([]byte(nil), respBytes...)

	if deallocFn != nil {
		_, _ = deallocFn.Call(callCtx, uint64(inPtr), uint64(len(req.Input)))
		_, _ = deallocFn.Call(callCtx, uint64(outPtr), uint64(outTupleSize))
		_, _ = deallocFn.Call(callCtx, uint64(respPtr), uint64(respLen))
	}

	return out, nil
}

func callAlloc(ctx context.Context, allocFn api.Function, size uint64) (uint32, error) {
	results, err := allocFn.Call(ctx, size)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, apierr.New(apierr.CodeExecuteFailed, "alloc returned no value")
	}
	return uint32(results[0]), nil
}
