package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/solatis/pointsflow/internal/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Auth errors are mapped by the auth interceptor. Everything reaching a
// handler maps here: bad input to INVALID_ARGUMENT, unknown rules to
// NOT_FOUND, deadlines to DEADLINE_EXCEEDED and storage failures to
// UNAVAILABLE.
func statusError(err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidEvent),
		errors.Is(err, types.ErrInvalidRuleID),
		errors.Is(err, types.ErrInvalidGraph),
		errors.Is(err, types.ErrInvalidSchedule):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrRuleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
