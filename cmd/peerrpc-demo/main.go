// Command peerrpc-demo is a small peer-symmetric calculator service used to
// exercise this module end to end: a "server" side answers calculate
// requests and pushes progress notifications back to whichever peer called
// it, over a WebSocket transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/kbirk/peerrpc/contract"
	"github.com/kbirk/peerrpc/reflector"
	"github.com/kbirk/peerrpc/rpclog"
	"github.com/kbirk/peerrpc/serialize"
	"github.com/kbirk/peerrpc/transport/wsconn"
	"github.com/kbirk/peerrpc/typed"
)

var (
	mode string
	addr string
	name string
)

type calculateParams struct {
	Name string `json:"name"`
}

type calculateError struct {
	Reason string `json:"reason"`
}

type progressParams struct {
	Progress float64 `json:"progress"`
}

func calculateType() *typed.RequestDescriptor[calculateParams, string, calculateError] {
	return typed.RequestType(typed.RequestTypeOptions[calculateParams, string, calculateError]{
		Method: "calculate",
		Params: serialize.JSON[calculateParams](),
		Result: serialize.JSON[string](),
		Error:  serialize.JSON[calculateError](),
	})
}

func progressType() *typed.NotificationDescriptor[progressParams] {
	return typed.NotificationType(typed.NotificationTypeOptions[progressParams]{
		Method: "progress",
		Params: serialize.JSON[progressParams](),
	})
}

func calculatorContract() *contract.Contract[struct{}, struct{}] {
	c := contract.New[struct{}, struct{}]("calculator")

	contract.ServerRequest(c, "calculate", calculateType(),
		func(ctx context.Context, args calculateParams, recvCtx struct{}, info contract.HandlerInfo[struct{}, struct{}, calculateError]) (string, error) {
			if args.Name == "" {
				return "", info.WrapError("name is required", calculateError{Reason: "empty name"})
			}
			for i := 1; i <= 10; i++ {
				_ = contract.Cast(info.Counterpart, progressType(), progressParams{Progress: float64(i) / 10}, struct{}{})
				time.Sleep(20 * time.Millisecond)
			}
			return "hello, " + args.Name, nil
		})

	contract.ClientNotification(c, "progress", progressType(), nil)

	return c
}

func main() {
	flag.StringVar(&mode, "mode", "", "\"server\" or \"client\"")
	flag.StringVar(&addr, "addr", "localhost:8765", "WebSocket address")
	flag.StringVar(&name, "name", "world", "name to pass to the client's calculate call")
	flag.Parse()

	red := color.New(color.FgRed, color.Bold).SprintFunc()
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()

	switch mode {
	case "server":
		runServer(addr, red, green, cyan)
	case "client":
		runClient(addr, red, green, cyan)
	default:
		os.Stderr.WriteString("Set --mode=\"server\" or --mode=\"client\"\n")
		os.Exit(1)
	}
}

func runServer(addr string, red, green, cyan func(a ...interface{}) string) {
	logger := rpclog.NewStdLogger("[peerrpc-demo] ")

	listener, err := wsconn.Listen(wsconn.ListenerConfig{Addr: addr, Path: "/rpc"})
	if err != nil {
		os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("failed to listen: %s\n", err))
		os.Exit(1)
	}

	os.Stdout.WriteString(green("LISTENING: ") + fmt.Sprintf("ws://%s/rpc\n", addr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("accept failed: %s\n", err))
			return
		}

		os.Stdout.WriteString(cyan("[accept] ") + conn.Name() + "\n")

		tc, _, dispose, err := contract.RegisterServerOverTransport(conn, typed.Options[struct{}, struct{}]{Logger: logger}, calculatorContract())
		if err != nil {
			os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("failed to wire connection: %s\n", err))
			conn.Close()
			continue
		}
		if _, err := reflector.Register(tc); err != nil {
			os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("failed to install reflector: %s\n", err))
		}
		_ = dispose
	}
}

func runClient(addr string, red, green, cyan func(a ...interface{}) string) {
	logger := rpclog.NewStdLogger("[peerrpc-demo] ")

	dialer := wsconn.NewDialer(wsconn.DialerConfig{URL: fmt.Sprintf("ws://%s/rpc", addr)})
	conn, err := dialer.Dial()
	if err != nil {
		os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("failed to dial: %s\n", err))
		os.Exit(1)
	}

	c := contract.New[struct{}, struct{}]("calculator")
	contract.ClientNotification(c, "progress", progressType(),
		func(ctx context.Context, args progressParams, recvCtx struct{}, info contract.HandlerInfo[struct{}, struct{}, struct{}]) {
			os.Stdout.WriteString(cyan("[progress] ") + fmt.Sprintf("%.0f%%\n", args.Progress*100))
		})

	_, proxy, dispose, err := contract.GetServerOverTransport(conn, typed.Options[struct{}, struct{}]{Logger: logger}, c)
	if err != nil {
		os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("failed to wire connection: %s\n", err))
		os.Exit(1)
	}
	defer dispose()

	result, err := contract.Call(proxy, context.Background(), calculateType(), calculateParams{Name: name}, struct{}{})
	if err != nil {
		os.Stderr.WriteString(red("ERROR: ") + fmt.Sprintf("calculate failed: %s\n", err))
		os.Exit(1)
	}

	os.Stdout.WriteString(green("RESULT: ") + result + "\n")
}
