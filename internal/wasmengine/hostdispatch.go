package wasmengine

import (
	"encoding/json"

	"github.com/ocx/extrun/internal/hostabi"
)

// hostEnvelope is the request the guest sends for every host_call: an
// operation name plus its JSON-encoded arguments. One uniform
// JSON-over-ptr/len call replaces many distinctly-typed imports, which
// keeps the guest-facing ABI to a single function signature.
type hostEnvelope struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// hostReply is what a host_call returns to the guest: exactly one of
// Result or Error is set.
type hostReply struct {
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *hostabi.HostError `json:"error,omitempty"`
}

func dispatchHostCall(surface *hostabi.Surface, reqBytes []byte) []byte {
	var env hostEnvelope
	if err := json.Unmarshal(reqBytes, &env); err != nil {
		return mustReply(hostReply{Error: &hostabi.HostError{Kind: hostabi.ErrInternal, Message: "malformed host call"}})
	}

	switch env.Op {
	case "context.get":
		data, herr := surface.GetContext()
		return resultOrErr(data, herr)

	case "log.info", "log.warn", "log.error":
		var args struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Args, &args)
		switch env.Op {
		case "log.info":
			surface.LogInfo(args.Message)
		case "log.warn":
			surface.LogWarn(args.Message)
		case "log.error":
			surface.LogError(args.Message)
		}
		return mustReply(hostReply{Result: json.RawMessage("null")})

	case "http.fetch":
		var req hostabi.HTTPRequest
		if err := json.Unmarshal(env.Args, &req); err != nil {
			return badArgs()
		}
		resp, herr := surface.Fetch(req)
		return resultOrErr(resp, herr)

	case "secrets.get":
		var args struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return badArgs()
		}
		v, herr := surface.SecretsGet(args.Key)
		return resultOrErr(v, herr)

	case "secrets.list_keys":
		return resultOrErr(surface.SecretsListKeys(), nil)

	case "storage.get":
		var args struct{ Namespace, Key string }
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return badArgs()
		}
		entry, herr := surface.StorageGet(args.Namespace, args.Key)
		return resultOrErr(entry, herr)

	case "storage.put":
		var args struct {
			Entry      hostabi.StorageEntry `json:"entry"`
			IfRevision *int64               `json:"if_revision,omitempty"`
		}
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return badArgs()
		}
		entry, herr := surface.StoragePut(args.Entry, args.IfRevision)
		return resultOrErr(entry, herr)

	case "storage.delete":
		var args struct{ Namespace, Key string }
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return badArgs()
		}
		entry, herr := surface.StorageDelete(args.Namespace, args.Key)
		return resultOrErr(entry, herr)

	case "storage.list_entries":
		var args struct{ Namespace string }
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return badArgs()
		}
		entries, herr := surface.StorageListEntries(args.Namespace)
		return resultOrErr(entries, herr)

	case "ui_proxy.call_route":
		var args struct {
			Route   string `json:"route"`
			Payload []byte `json:"payload"`
		}
		if err := json.Unmarshal(env.Args, &args); err != nil {
			return badArgs()
		}
		out, herr := surface.UIProxyCallRoute(args.Route, args.Payload)
		return resultOrErr(out, herr)

	default:
		return mustReply(hostReply{Error: &hostabi.HostError{Kind: hostabi.ErrInternal, Message: "unknown host operation: " + env.Op}})
	}
}

func badArgs() []byte {
	return mustReply(hostReply{Error: &hostabi.HostError{Kind: hostabi.ErrInternal, Message: "malformed host call arguments"}})
}

func resultOrErr(v any, herr *hostabi.HostError) []byte {
	if herr != nil {
		return mustReply(hostReply{Error: herr})
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return mustReply(hostReply{Error: &hostabi.HostError{Kind: hostabi.ErrInternal, Message: "encode host result"}})
	}
	return mustReply(hostReply{Result: raw})
}

func mustReply(r hostReply) []byte {
	out, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"error":{"kind":"Internal","message":"encode host reply"}}`)
	}
	return out
}
