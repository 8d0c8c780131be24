// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package transport

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fedcoord/pkg/federation"
)

// toGRPCStatus maps a federation.Error's Kind to the gRPC status code
// documented for it (spec §7), falling back to codes.Unknown for any
// error that isn't a *federation.Error.
func toGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var fedErr *federation.Error
	if !errors.As(err, &fedErr) {
		return status.Error(codes.Unknown, err.Error())
	}

	var code codes.Code
	switch fedErr.Kind {
	case federation.KindUnauthenticated:
		code = codes.Unauthenticated
	case federation.KindUnauthorized:
		code = codes.PermissionDenied
	case federation.KindAlreadyQueued, federation.KindAlreadyAuthorized:
		code = codes.AlreadyExists
	case federation.KindNotReady, federation.KindMissingContributor, federation.KindPartitionError:
		code = codes.FailedPrecondition
	case federation.KindDuplicateResult:
		code = codes.FailedPrecondition
	case federation.KindOutOfRange:
		code = codes.OutOfRange
	default:
		code = codes.Unknown
	}
	return status.Error(code, fedErr.Error())
}
