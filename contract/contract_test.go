package contract

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/peerrpc/serialize"
	"github.com/kbirk/peerrpc/transport/streamconn"
	"github.com/kbirk/peerrpc/typed"
)

type calcParams struct {
	Name string `json:"name"`
}

type calcError struct {
	Reason string `json:"reason"`
}

type progressParams struct {
	Progress float64 `json:"progress"`
}

func calculateRequestType() *typed.RequestDescriptor[calcParams, string, calcError] {
	return typed.RequestType(typed.RequestTypeOptions[calcParams, string, calcError]{
		Method: "calculate",
		Params: serialize.JSON[calcParams](),
		Result: serialize.JSON[string](),
		Error:  serialize.JSON[calcError](),
	})
}

func progressNotifyType() *typed.NotificationDescriptor[progressParams] {
	return typed.NotificationType(typed.NotificationTypeOptions[progressParams]{
		Method: "progress",
		Params: serialize.JSON[progressParams](),
	})
}

func buildTestContract() *Contract[struct{}, struct{}] {
	c := New[struct{}, struct{}]("calculator")
	ServerRequest(c, "calculate", calculateRequestType(), RequestHandlerFunc[struct{}, struct{}, calcParams, string, calcError](
		func(ctx context.Context, args calcParams, recvCtx struct{}, info HandlerInfo[struct{}, struct{}, calcError]) (string, error) {
			if args.Name == "" {
				return "", info.WrapError("name required", calcError{Reason: "empty"})
			}
			_ = Cast(info.Counterpart, progressNotifyType(), progressParams{Progress: 1.0}, struct{}{})
			return "hello " + args.Name, nil
		}))
	ClientNotification(c, "progress", progressNotifyType(), nil)
	return c
}

func TestContractRoundTrip(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	connServer := streamconn.New(ca, streamconn.Newline, "server")
	connClient := streamconn.New(cb, streamconn.Newline, "client")

	c := buildTestContract()

	_, clientProxy, disposeServer, err := RegisterServerOverTransport(connServer, typed.Options[struct{}, struct{}]{}, c)
	require.NoError(t, err)
	defer disposeServer()

	progressCh := make(chan float64, 1)
	clientContract := New[struct{}, struct{}]("calculator")
	ClientNotification(clientContract, "progress", progressNotifyType(), func(ctx context.Context, args progressParams, recvCtx struct{}, info HandlerInfo[struct{}, struct{}, struct{}]) {
		progressCh <- args.Progress
	})

	_, serverProxy, disposeClient, err := GetServerOverTransport(connClient, typed.Options[struct{}, struct{}]{}, clientContract)
	require.NoError(t, err)
	defer disposeClient()
	_ = clientProxy

	result, err := Call(serverProxy, context.Background(), calculateRequestType(), calcParams{Name: "world"}, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result)

	select {
	case p := <-progressCh:
		assert.Equal(t, 1.0, p)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress notification")
	}
}

func TestContractDomainError(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	connServer := streamconn.New(ca, streamconn.Newline, "server")
	connClient := streamconn.New(cb, streamconn.Newline, "client")

	c := buildTestContract()
	_, _, disposeServer, err := RegisterServerOverTransport(connServer, typed.Options[struct{}, struct{}]{}, c)
	require.NoError(t, err)
	defer disposeServer()

	clientContract := New[struct{}, struct{}]("calculator")
	ClientNotification(clientContract, "progress", progressNotifyType(), nil)
	_, serverProxy, disposeClient, err := GetServerOverTransport(connClient, typed.Options[struct{}, struct{}]{}, clientContract)
	require.NoError(t, err)
	defer disposeClient()

	_, err = Call(serverProxy, context.Background(), calculateRequestType(), calcParams{}, struct{}{})
	require.Error(t, err)
}

func TestContractMissingRequestHandlerFails(t *testing.T) {
	c := New[struct{}, struct{}]("broken")
	ServerRequest[struct{}, struct{}, calcParams, string, calcError](c, "calculate", calculateRequestType(), nil)

	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()
	conn := streamconn.New(ca, streamconn.Newline, "server")
	defer cb.Close()

	_, _, _, err := RegisterServerOverTransport(conn, typed.Options[struct{}, struct{}]{}, c)
	assert.Error(t, err)
}
