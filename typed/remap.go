package typed

import (
	"context"

	"github.com/kbirk/peerrpc/jsonrpc"
)

// Remapped presents a Channel[CIn, COut] as if it were parameterized by
// CIn2/COut2, applying user-supplied conversions on each direction.
// Registrations made through a Remapped forward to the wrapped Channel; the
// handler runs with the remapped context type instead of the wrapped
// channel's own.
type Remapped[CIn2, COut2, CIn, COut any] struct {
	inner    *Channel[CIn, COut]
	toRecv   func(ctx context.Context, in CIn) (CIn2, error)
	fromSend func(ctx context.Context, out COut2) (COut, error)
}

// Remap builds a context-remapping wrapper around ch: toRecv converts the
// value a handler registered through the wrapper receives, fromSend
// converts the value a caller passes when sending through the wrapper.
func Remap[CIn2, COut2, CIn, COut any](
	ch *Channel[CIn, COut],
	toRecv func(ctx context.Context, in CIn) (CIn2, error),
	fromSend func(ctx context.Context, out COut2) (COut, error),
) *Remapped[CIn2, COut2, CIn, COut] {
	return &Remapped[CIn2, COut2, CIn, COut]{inner: ch, toRecv: toRecv, fromSend: fromSend}
}

// RegisterRequestRemapped registers handler on the wrapped channel,
// translating its receive context through rm.toRecv.
func RegisterRequestRemapped[CIn2, COut2, CIn, COut, P, R, E any](rm *Remapped[CIn2, COut2, CIn, COut], d *RequestDescriptor[P, R, E], handler RequestHandlerFunc[CIn2, P, R]) (Disposer, error) {
	return RegisterRequest[CIn, COut](rm.inner, d, func(ctx context.Context, args P, id jsonrpc.ID, in CIn) (R, error) {
		var zero R
		in2, err := rm.toRecv(ctx, in)
		if err != nil {
			return zero, err
		}
		return handler(ctx, args, id, in2)
	})
}

// RegisterNotificationRemapped registers handler on the wrapped channel,
// translating its receive context through rm.toRecv.
func RegisterNotificationRemapped[CIn2, COut2, CIn, COut, P any](rm *Remapped[CIn2, COut2, CIn, COut], d *NotificationDescriptor[P], handler NotificationHandlerFunc[CIn2, P]) (Disposer, error) {
	return RegisterNotification[CIn, COut](rm.inner, d, func(ctx context.Context, args P, in CIn) {
		in2, err := rm.toRecv(ctx, in)
		if err != nil {
			return
		}
		handler(ctx, args, in2)
	})
}

// RequestRemapped sends d through the wrapped channel, translating
// sendCtx2 through rm.fromSend first.
func RequestRemapped[CIn2, COut2, CIn, COut, P, R, E any](rm *Remapped[CIn2, COut2, CIn, COut], ctx context.Context, d *RequestDescriptor[P, R, E], args P, sendCtx2 COut2) (R, error) {
	var zero R
	sendCtx, err := rm.fromSend(ctx, sendCtx2)
	if err != nil {
		return zero, err
	}
	return Request[CIn, COut](rm.inner, ctx, d, args, sendCtx)
}

// NotifyRemapped sends d through the wrapped channel, translating sendCtx2
// through rm.fromSend first.
func NotifyRemapped[CIn2, COut2, CIn, COut, P any](rm *Remapped[CIn2, COut2, CIn, COut], d *NotificationDescriptor[P], args P, sendCtx2 COut2) error {
	sendCtx, err := rm.fromSend(context.Background(), sendCtx2)
	if err != nil {
		return err
	}
	return Notify[CIn, COut](rm.inner, d, args, sendCtx)
}
