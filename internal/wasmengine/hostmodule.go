package wasmengine

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/ocx/extrun/internal/hostabi"
)

// hostModuleName is the single import module name guest binaries call
// into; all host operations dispatch through one function under it.
const hostModuleName = "extrun_host"

// surfaceKey is the context key an invocation stores its *hostabi.Surface
// under so the host_call binding (which only receives api.Module) can
// reach the capability-gated implementation for the in-flight call.
type surfaceKey struct{}

func withSurface(ctx context.Context, s *hostabi.Surface) context.Context {
	return context.WithValue(ctx, surfaceKey{}, s)
}

func surfaceFromContext(ctx context.Context) *hostabi.Surface {
	s, _ := ctx.Value(surfaceKey{}).(*hostabi.Surface)
	return s
}

// instantiateHostModule registers the extrun_host import module on rt.
// Guest code calls a single host_call(req_ptr, req_len, out_ptr) export;
// the implementation reads a JSON hostEnvelope from guest memory,
// dispatches it against the *hostabi.Surface stashed in ctx by Invoke,
// and writes a (resp_ptr u32, resp_len u32) tuple at out_ptr, allocating
// the response buffer via the guest's own "alloc" export so ownership of
// every allocation stays in guest memory.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen, outPtr uint32) uint32 {
			return hostCall(ctx, mod, reqPtr, reqLen, outPtr, logger)
		}).
		Export("host_call").
		Instantiate(ctx)
	return err
}

func hostCall(ctx context.Context, mod api.Module, reqPtr, reqLen, outPtr uint32, logger *slog.Logger) uint32 {
	mem := mod.Memory()
	reqBytes, ok := mem.Read(reqPtr, reqLen)
	if !ok {
		logger.Warn("host_call: guest request out of bounds")
		return 1
	}

	surface := surfaceFromContext(ctx)
	var respBytes []byte
	if surface == nil {
		respBytes = mustReply(hostReply{Error: &hostabi.HostError{Kind: hostabi.ErrInternal, Message: "no invocation surface bound"}})
	} else {
		respBytes = dispatchHostCall(surface, append([]byte(nil), reqBytes...))
	}

	allocFn := mod.ExportedFunction("alloc")
	if allocFn == nil {
		logger.Warn("host_call: guest does not export alloc")
		return 1
	}
	results, err := allocFn.Call(ctx, uint64(len(respBytes)))
	if err != nil || len(results) == 0 {
		logger.Warn("host_call: guest alloc failed", "error", err)
		return 1
	}
	respPtr := uint32(results[0])

	if !mem.Write(respPtr, respBytes) {
		logger.Warn("host_call: writing response into guest memory failed")
		return 1
	}
	if !mem.WriteUint32Le(outPtr, respPtr) || !mem.WriteUint32Le(outPtr+4, uint32(len(respBytes))) {
		logger.Warn("host_call: writing out-tuple failed")
		return 1
	}
	return 0
}
