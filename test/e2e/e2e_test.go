// Package e2e exercises the full stack — jsonrpc, transport, channel,
// typed, contract and reflector — together over an in-memory duplex pipe,
// covering the end-to-end scenarios a calculate/progress contract must
// satisfy.
package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/peerrpc/contract"
	"github.com/kbirk/peerrpc/jsonrpc"
	"github.com/kbirk/peerrpc/reflector"
	"github.com/kbirk/peerrpc/serialize"
	"github.com/kbirk/peerrpc/transport/streamconn"
	"github.com/kbirk/peerrpc/typed"
)

type calcParams struct {
	Name string `json:"name"`
}

type calcErr struct {
	ErrorMessage string `json:"errorMessage"`
}

type progressParams struct {
	Progress float64 `json:"progress"`
}

func calculateType(optional bool) *typed.RequestDescriptor[calcParams, string, calcErr] {
	return typed.RequestType(typed.RequestTypeOptions[calcParams, string, calcErr]{
		Method:   "calculate",
		Params:   serialize.JSON[calcParams](),
		Result:   serialize.JSON[string](),
		Error:    serialize.JSON[calcErr](),
		Optional: optional,
	})
}

func progressType() *typed.NotificationDescriptor[progressParams] {
	return typed.NotificationType(typed.NotificationTypeOptions[progressParams]{
		Method: "progress",
		Params: serialize.JSON[progressParams](),
	})
}

// harness wires a calculate/progress contract's server side over one end
// of a pipe and hands back the client's proxy plus a channel of progress
// notifications received on the other end.
type harness struct {
	t             *testing.T
	serverConn    net.Conn
	clientConn    net.Conn
	serverChannel *typed.Channel[struct{}, struct{}]
	clientChannel *typed.Channel[struct{}, struct{}]
	proxy         *contract.Proxy[struct{}, struct{}]
	progress      chan float64
	disposeServer contract.Disposer
	disposeClient contract.Disposer
}

func newHarness(t *testing.T, serverHandler contract.RequestHandlerFunc[struct{}, struct{}, calcParams, string, calcErr]) *harness {
	t.Helper()

	ca, cb := net.Pipe()

	serverConn := streamconn.New(ca, streamconn.Newline, "server")
	clientConn := streamconn.New(cb, streamconn.Newline, "client")

	serverContract := contract.New[struct{}, struct{}]("calculator")
	contract.ServerRequest(serverContract, "calculate", calculateType(false), serverHandler)
	contract.ClientNotification(serverContract, "progress", progressType(), nil)

	serverTC, _, disposeServer, err := contract.RegisterServerOverTransport(serverConn, typed.Options[struct{}, struct{}]{}, serverContract)
	require.NoError(t, err)
	_, err = reflector.Register(serverTC)
	require.NoError(t, err)

	progressCh := make(chan float64, 16)
	clientContract := contract.New[struct{}, struct{}]("calculator")
	contract.ClientNotification(clientContract, "progress", progressType(),
		func(ctx context.Context, args progressParams, recvCtx struct{}, info contract.HandlerInfo[struct{}, struct{}, struct{}]) {
			progressCh <- args.Progress
		})

	clientTC, proxy, disposeClient, err := contract.GetServerOverTransport(clientConn, typed.Options[struct{}, struct{}]{}, clientContract)
	require.NoError(t, err)

	return &harness{
		t:             t,
		serverConn:    ca,
		clientConn:    cb,
		serverChannel: serverTC,
		clientChannel: clientTC,
		proxy:         proxy,
		progress:      progressCh,
		disposeServer: disposeServer,
		disposeClient: disposeClient,
	}
}

func (h *harness) close() {
	h.disposeServer()
	h.disposeClient()
	h.serverConn.Close()
	h.clientConn.Close()
}

func handlerFor(fn func(name string) (string, error)) contract.RequestHandlerFunc[struct{}, struct{}, calcParams, string, calcErr] {
	return func(ctx context.Context, args calcParams, recvCtx struct{}, info contract.HandlerInfo[struct{}, struct{}, calcErr]) (string, error) {
		result, err := fn(args.Name)
		if err != nil {
			return "", info.WrapError(err.Error(), calcErr{ErrorMessage: err.Error()})
		}
		return result, nil
	}
}

// Scenario 1: success round trip.
func TestScenarioSuccess(t *testing.T) {
	h := newHarness(t, handlerFor(func(name string) (string, error) {
		return "bla" + name, nil
	}))
	defer h.close()

	result, err := contract.Call(h.proxy, context.Background(), calculateType(false), calcParams{Name: "foo"}, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "blafoo", result)
}

// Scenario 2: eleven progress notifications, in order, before the final
// result.
func TestScenarioProgressCallback(t *testing.T) {
	var handler contract.RequestHandlerFunc[struct{}, struct{}, calcParams, string, calcErr]
	handler = func(ctx context.Context, args calcParams, recvCtx struct{}, info contract.HandlerInfo[struct{}, struct{}, calcErr]) (string, error) {
		for i := 0; i <= 10; i++ {
			require.NoError(t, contract.Cast(info.Counterpart, progressType(), progressParams{Progress: float64(i) / 10}, struct{}{}))
		}
		return "bla" + args.Name, nil
	}
	h := newHarness(t, handler)
	defer h.close()

	result, err := contract.Call(h.proxy, context.Background(), calculateType(false), calcParams{Name: "foo"}, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "blafoo", result)

	for i := 0; i <= 10; i++ {
		select {
		case p := <-h.progress:
			assert.InDelta(t, float64(i)/10, p, 1e-9)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for progress notification %d", i)
		}
	}
}

// Scenario 3: domain error round-trips code, message and data.
func TestScenarioDomainError(t *testing.T) {
	h := newHarness(t, handlerFor(func(name string) (string, error) {
		if name == "bar" {
			return "", assertError{"`bar` is not supported."}
		}
		return "bla" + name, nil
	}))
	defer h.close()

	_, err := contract.Call(h.proxy, context.Background(), calculateType(false), calcParams{Name: "bar"}, struct{}{})
	require.Error(t, err)
	herr, ok := err.(*jsonrpc.HandlerError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeGenericApplicationError, herr.Code)
	assert.Equal(t, "`bar` is not supported.", herr.Message)
	assert.JSONEq(t, "{\"errorMessage\":\"`bar` is not supported.\"}", string(herr.Data))
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

// Scenario 4: unknown method raises methodNotFound; the optional variant
// resolves to the sentinel instead.
func TestScenarioUnknownMethod(t *testing.T) {
	h := newHarness(t, handlerFor(func(name string) (string, error) { return "bla" + name, nil }))
	defer h.close()

	_, err := contract.Call(h.proxy, context.Background(), typed.RequestType(typed.RequestTypeOptions[calcParams, string, calcErr]{
		Method: "not-registered",
		Params: serialize.JSON[calcParams](),
		Result: serialize.JSON[string](),
		Error:  serialize.JSON[calcErr](),
	}), calcParams{Name: "foo"}, struct{}{})
	require.Error(t, err)
	herr, ok := err.(*jsonrpc.HandlerError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, herr.Code)

	_, err = contract.Call(h.proxy, context.Background(), typed.RequestType(typed.RequestTypeOptions[calcParams, string, calcErr]{
		Method:   "not-registered",
		Params:   serialize.JSON[calcParams](),
		Result:   serialize.JSON[string](),
		Error:    serialize.JSON[calcErr](),
		Optional: true,
	}), calcParams{Name: "foo"}, struct{}{})
	assert.ErrorIs(t, err, typed.ErrOptionalMethodNotFound)
}

// Scenario 5: this module fails pending requests on transport close
// (see DESIGN.md); assert that chosen behavior.
func TestScenarioCloseFailsPendingRequest(t *testing.T) {
	h := newHarness(t, handlerFor(func(name string) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "bla" + name, nil
	}))
	defer h.close()

	done := make(chan error, 1)
	go func() {
		_, err := contract.Call(h.proxy, context.Background(), calculateType(false), calcParams{Name: "foo"}, struct{}{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.clientConn.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request was not failed after transport close")
	}
}

// Scenario 6: reflection lists every method registered on the server,
// with kind matching exactly "request" or "notification".
func TestScenarioReflection(t *testing.T) {
	h := newHarness(t, handlerFor(func(name string) (string, error) { return "bla" + name, nil }))
	defer h.close()

	// The harness only registers "progress" on the client side; register a
	// server-side handler for it so the listing has a notification entry.
	_, err := typed.RegisterNotification(h.serverChannel, progressType(), func(ctx context.Context, args progressParams, in struct{}) {})
	require.NoError(t, err)

	listing, err := contract.Call(h.proxy, context.Background(), reflector.ListRegisteredTypesType(), serialize.Empty{}, struct{}{})
	require.NoError(t, err)

	byMethod := map[string]string{}
	for _, m := range listing.Methods {
		byMethod[m.Method] = m.Kind
	}
	assert.Equal(t, "request", byMethod["calculate"])
	assert.Equal(t, "notification", byMethod["progress"])
}
