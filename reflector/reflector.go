// Package reflector implements the built-in reflection contract: a
// contract, wired with the same contract.Contract machinery any
// application contract uses, by which one peer can enumerate the methods
// registered on the other's typed channel.
package reflector

import (
	"context"

	"github.com/kbirk/peerrpc/contract"
	"github.com/kbirk/peerrpc/serialize"
	"github.com/kbirk/peerrpc/typed"
)

// SupportedVersions is the result of the supported-versions request.
type SupportedVersions struct {
	Versions []int `json:"versions"`
}

// MethodDescription describes one entry in a typed channel's dispatch
// table.
type MethodDescription struct {
	Kind       string `json:"kind"`
	Method     string `json:"method"`
	ParamsType string `json:"paramsType"`
	ResultType string `json:"resultType,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
}

// ListRegisteredTypesResult is the result of the list-registered-types
// request.
type ListRegisteredTypesResult struct {
	Methods []MethodDescription `json:"methods"`
}

// SupportedVersionsType is the reflector/supported-versions request
// descriptor.
func SupportedVersionsType() *typed.RequestDescriptor[serialize.Empty, SupportedVersions, serialize.Void] {
	return typed.RequestType(typed.RequestTypeOptions[serialize.Empty, SupportedVersions, serialize.Void]{
		Method: "reflector/supported-versions",
		Params: serialize.EmptyObject(),
		Result: serialize.JSON[SupportedVersions](),
		Error:  serialize.VoidNull(),
	})
}

// ListRegisteredTypesType is the
// reflector/v1/list-registered-request-and-notification-types request
// descriptor.
func ListRegisteredTypesType() *typed.RequestDescriptor[serialize.Empty, ListRegisteredTypesResult, serialize.Void] {
	return typed.RequestType(typed.RequestTypeOptions[serialize.Empty, ListRegisteredTypesResult, serialize.Void]{
		Method: "reflector/v1/list-registered-request-and-notification-types",
		Params: serialize.EmptyObject(),
		Result: serialize.JSON[ListRegisteredTypesResult](),
		Error:  serialize.VoidNull(),
	})
}

// New builds the reflector contract for tc: its handlers introspect tc's
// own dispatch table, so tc must be the same channel the contract is later
// registered on.
func New[CIn, COut any](tc *typed.Channel[CIn, COut]) *contract.Contract[CIn, COut] {
	c := contract.New[CIn, COut]("reflector")

	contract.ServerRequest(c, "reflector/supported-versions", SupportedVersionsType(),
		func(ctx context.Context, args serialize.Empty, recvCtx CIn, info contract.HandlerInfo[CIn, COut, serialize.Void]) (SupportedVersions, error) {
			return SupportedVersions{Versions: []int{1}}, nil
		})

	contract.ServerRequest(c, "reflector/v1/list-registered-request-and-notification-types", ListRegisteredTypesType(),
		func(ctx context.Context, args serialize.Empty, recvCtx CIn, info contract.HandlerInfo[CIn, COut, serialize.Void]) (ListRegisteredTypesResult, error) {
			methods := tc.ListMethods()
			out := make([]MethodDescription, 0, len(methods))
			for _, m := range methods {
				desc := MethodDescription{Method: m.Method, Kind: m.Kind.String(), ParamsType: m.Types.Params}
				if m.Kind == typed.KindRequest {
					desc.ResultType = m.Types.Result
					desc.ErrorType = m.Types.Error
				}
				out = append(out, desc)
			}
			return ListRegisteredTypesResult{Methods: out}, nil
		})

	return c
}

// Register installs the reflector contract on tc and returns its
// disposer. It may be called before or after tc.Start(): the listing is
// read from tc's dispatch table on each request, so it includes every
// method registered at that moment.
func Register[CIn, COut any](tc *typed.Channel[CIn, COut]) (contract.Disposer, error) {
	_, dispose, err := contract.RegisterServer(tc, New(tc))
	if err != nil {
		return nil, err
	}
	return dispose, nil
}
