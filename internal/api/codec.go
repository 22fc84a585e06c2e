package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/dmsync/internal/store"
	"github.com/matheus3301/dmsync/internal/syncerr"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// encode converts a wire value into the struct carried on the RPC.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// decode fills v from an RPC struct. A nil struct leaves v untouched.
func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	raw, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// toStatus maps a sync error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Unavailable
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	default:
		switch syncerr.KindOf(err) {
		case syncerr.Unauthenticated:
			code = codes.Unauthenticated
		case syncerr.Terminal:
			code = codes.InvalidArgument
		case syncerr.Partial:
			code = codes.Aborted
		}
	}
	return grpcstatus.Error(code, err.Error())
}

// fromStatus turns a gRPC status back into a classified error so callers can
// use syncerr.Retryable and friends on the client side.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return syncerr.E(syncerr.Transient, op, err)
	}
	msg := errors.New(st.Message())
	switch st.Code() {
	case codes.Unauthenticated:
		return syncerr.E(syncerr.Unauthenticated, op, msg)
	case codes.InvalidArgument, codes.NotFound, codes.Unimplemented:
		return syncerr.E(syncerr.Terminal, op, msg)
	case codes.Aborted:
		return syncerr.E(syncerr.Partial, op, msg)
	default:
		return syncerr.E(syncerr.Transient, op, msg)
	}
}
