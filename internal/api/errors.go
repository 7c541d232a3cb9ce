package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/hub"
	"github.com/matheus3301/omnichat/internal/outbox"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/roster"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch provider.KindOf(err) {
	case provider.KindInvalidCredential:
		return codes.InvalidArgument
	case provider.KindSessionExpired:
		return codes.Unauthenticated
	case provider.KindTransientNetwork, provider.KindChannelClosed:
		return codes.Unavailable
	case provider.KindBackendRejected:
		return codes.FailedPrecondition
	case provider.KindCacheCorrupt:
		return codes.DataLoss
	}
	switch {
	case errors.Is(err, hub.ErrUnknownProvider), errors.Is(err, roster.ErrUnknownChat):
		return codes.NotFound
	case errors.Is(err, hub.ErrNeedsAuth):
		return codes.Unauthenticated
	case errors.Is(err, hub.ErrReadOnly):
		return codes.PermissionDenied
	case errors.Is(err, auth.ErrFinished), errors.Is(err, outbox.ErrNotRetryable):
		return codes.FailedPrecondition
	case errors.Is(err, auth.ErrEmptyValue):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}
