package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ============================================================================
// Server side: expose a Transport implementation to remote engines
// ============================================================================

// NewHTTPHandler serves the claim/complete/suspend endpoints used by
// HTTPTransport on top of t.
func NewHTTPHandler(t Transport) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+pathClaim, func(w http.ResponseWriter, r *http.Request) {
		var req ClaimRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resp, err := t.Claim(r.Context(), req)
		writeJSON(w, resp, err)
	})
	mux.HandleFunc("POST "+pathComplete, func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSON(w, struct{}{}, t.Complete(r.Context(), req))
	})
	mux.HandleFunc("POST "+pathSuspend, func(w http.ResponseWriter, r *http.Request) {
		var req SuspendRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		writeJSON(w, struct{}{}, t.Suspend(r.Context(), req))
	})
	return mux
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any, err error) {
	if err != nil {
		http.Error(w, err.Error(), httpStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewCoordinatorServer adapts t to the gRPC service registered by
// RegisterCoordinatorServer.
func NewCoordinatorServer(t Transport) CoordinatorServer {
	return &structServer{t: t}
}

type structServer struct {
	t Transport
}

func (s *structServer) Claim(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ClaimRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.t.Claim(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

func (s *structServer) Complete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CompleteRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.t.Complete(ctx, req); err != nil {
		return nil, grpcError(err)
	}
	return &structpb.Struct{}, nil
}

func (s *structServer) Suspend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SuspendRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.t.Suspend(ctx, req); err != nil {
		return nil, grpcError(err)
	}
	return &structpb.Struct{}, nil
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
