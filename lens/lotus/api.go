package lotus

import (
	"context"

	"github.com/filecoin-project/go-address"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/filecoin-project/deal-importer/lens"
	"github.com/filecoin-project/deal-importer/metrics"
)

// accountKeyStruct is populated by go-jsonrpc with proxies for the remote methods.
type accountKeyStruct struct {
	Internal struct {
		StateAccountKey func(ctx context.Context, addr address.Address, tsk lens.TipSetKey) (address.Address, error)
	}
}

var _ lens.AccountKeyAPI = &APIWrapper{}

// APIWrapper adds tracing and request metrics to the rpc client.
type APIWrapper struct {
	rpc *accountKeyStruct
}

func (aw *APIWrapper) StateAccountKey(ctx context.Context, addr address.Address, tsk lens.TipSetKey) (address.Address, error) {
	ctx = metrics.WithTagValue(ctx, metrics.API, "StateAccountKey")
	stop := metrics.Timer(ctx, metrics.RPCRequestDuration)
	defer stop()

	ctx, span := otel.Tracer("").Start(ctx, "Lotus.StateAccountKey",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("address", addr.String())),
	)
	defer span.End()

	key, err := aw.rpc.Internal.StateAccountKey(ctx, addr, tsk)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return address.Undef, err
	}
	return key, nil
}
