package execute

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/hostabi"
	"github.com/ocx/extrun/internal/registry"
	"github.com/ocx/extrun/internal/secretresolve"
	"github.com/ocx/extrun/internal/ttlcache"
)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// stubExecutor returns an Executor whose guest invocation is replaced by
// fn; calls counts invocations.
func stubExecutor(t *testing.T, fn func(input []byte, surface *hostabi.Surface) ([]byte, error), calls *int) *Executor {
	t.Helper()
	e := New(Options{
		Secrets:          secretresolve.NewResolver(nil, &secretresolve.LocalEnvelopeDecrypter{}, ttlcache.NewMemoryCache()),
		DefaultTimeoutMs: 1000,
	})
	e.invoke = func(_ context.Context, _ string, surface *hostabi.Surface, input []byte, _ int, _ time.Duration) ([]byte, error) {
		if calls != nil {
			*calls++
		}
		return fn(input, surface)
	}
	return e
}

func okGuest(status int) func([]byte, *hostabi.Surface) ([]byte, error) {
	return func(input []byte, _ *hostabi.Surface) ([]byte, error) {
		return json.Marshal(guestResponse{
			Status:  status,
			Headers: []hostabi.HTTPHeader{{Name: "Content-Type", Value: "application/json"}},
			Body:    []byte(`{"ok":true}`),
		})
	}
}

func validRequest() ExecuteRequest {
	return ExecuteRequest{
		Context: RequestContext{
			TenantID:    "tenant-a",
			ExtensionID: "demo-ext",
			ContentHash: "sha256:" + testHash,
		},
		HTTP: HTTPPayload{Method: "post", Path: "/dynamic/echo"},
	}
}

func TestExecute_RoundTrip(t *testing.T) {
	e := stubExecutor(t, okGuest(200), nil)

	resp, err := e.Execute(context.Background(), validRequest(), "req-1", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["content-type"])

	body, err := base64.StdEncoding.DecodeString(resp.BodyB64)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestExecute_UnknownCapabilityRejected(t *testing.T) {
	e := stubExecutor(t, okGuest(200), nil)

	req := validRequest()
	req.Providers = []string{"cap:context.read", "cap:not.a.thing"}

	_, err := e.Execute(context.Background(), req, "", "")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))
	assert.Contains(t, err.Error(), "cap:not.a.thing")
}

func TestExecute_BadContentHash(t *testing.T) {
	e := stubExecutor(t, okGuest(200), nil)

	req := validRequest()
	req.Context.ContentHash = "sha256:nothex"

	_, err := e.Execute(context.Background(), req, "", "")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))
}

func TestExecute_MissingTenant(t *testing.T) {
	e := stubExecutor(t, okGuest(200), nil)

	req := validRequest()
	req.Context.TenantID = ""

	_, err := e.Execute(context.Background(), req, "", "")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))
}

func TestExecute_IdempotencyReplay(t *testing.T) {
	calls := 0
	e := stubExecutor(t, okGuest(201), &calls)

	first, err := e.Execute(context.Background(), validRequest(), "req-1", "abc")
	require.NoError(t, err)
	second, err := e.Execute(context.Background(), validRequest(), "req-2", "abc")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "replay must not invoke the guest again")
}

func TestExecute_ErrorsAreNotCachedForReplay(t *testing.T) {
	calls := 0
	fail := true
	e := stubExecutor(t, func(input []byte, s *hostabi.Surface) ([]byte, error) {
		if fail {
			return nil, apierr.New(apierr.CodeExecuteFailed, "guest trapped")
		}
		return okGuest(200)(input, s)
	}, &calls)

	_, err := e.Execute(context.Background(), validRequest(), "", "key-1")
	require.Error(t, err)

	fail = false
	resp, err := e.Execute(context.Background(), validRequest(), "", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 2, calls)
}

func TestExecute_RegistryDenied(t *testing.T) {
	e := stubExecutor(t, okGuest(200), nil)
	e.opts.Registry = registry.DenyAll{}

	_, err := e.Execute(context.Background(), validRequest(), "", "")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeRegistryDenied, apierr.CodeOf(err))
}

func TestExecute_SecretsReachSurface(t *testing.T) {
	secrets, err := json.Marshal(map[string]string{"ALGA_API_KEY": "shh"})
	require.NoError(t, err)

	var got string
	e := stubExecutor(t, func(_ []byte, surface *hostabi.Surface) ([]byte, error) {
		v, herr := surface.SecretsGet("ALGA_API_KEY")
		if herr != nil {
			got = herr.Error()
		} else {
			got = v
		}
		return json.Marshal(guestResponse{Status: 200})
	}, nil)

	req := validRequest()
	req.SecretEnvelope = &SecretEnvelopeWire{
		CiphertextB64: base64.StdEncoding.EncodeToString(secrets),
	}
	req.Providers = []string{"cap:secrets.get"}

	_, err = e.Execute(context.Background(), req, "", "")
	require.NoError(t, err)
	assert.Equal(t, "shh", got)
}

func TestExecute_SecretsDeniedWithoutCapability(t *testing.T) {
	var herr *hostabi.HostError
	e := stubExecutor(t, func(_ []byte, surface *hostabi.Surface) ([]byte, error) {
		_, herr = surface.SecretsGet("ALGA_API_KEY")
		return json.Marshal(guestResponse{Status: 200})
	}, nil)

	_, err := e.Execute(context.Background(), validRequest(), "", "")
	require.NoError(t, err)
	require.NotNil(t, herr)
	assert.Equal(t, hostabi.ErrDenied, herr.Kind)
}

func TestBuildGuestInput(t *testing.T) {
	req := validRequest()
	req.HTTP.Query = map[string]string{"foo": "bar baz"}
	req.HTTP.Headers = map[string]string{"Content-Type": "application/json"}
	req.HTTP.BodyB64 = base64.StdEncoding.EncodeToString([]byte(`{"ping":true}`))

	raw, err := buildGuestInput(req)
	require.NoError(t, err)

	var parsed guestRequest
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "POST", parsed.Method)
	assert.Equal(t, "/dynamic/echo", parsed.Path)
	assert.Equal(t, "foo=bar+baz", parsed.Query)
	require.Len(t, parsed.Headers, 1)
	assert.Equal(t, "content-type", parsed.Headers[0].Name)
	assert.Equal(t, []byte(`{"ping":true}`), parsed.Body)
}

func TestBuildGuestInput_BadBase64(t *testing.T) {
	req := validRequest()
	req.HTTP.BodyB64 = "not base64!!"

	_, err := buildGuestInput(req)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidRequest, apierr.CodeOf(err))
}

func TestEgressChecker(t *testing.T) {
	check := egressChecker([]string{"example.com", "API.Internal"})
	assert.True(t, check("example.com"))
	assert.True(t, check("sub.example.com"))
	assert.True(t, check("api.internal"))
	assert.False(t, check("example.com.evil.io"))
	assert.False(t, check("notexample.com"))

	assert.Nil(t, egressChecker(nil), "empty allowlist means no restriction")
}
