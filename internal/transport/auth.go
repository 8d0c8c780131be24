// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// commonNameFromContext extracts the TLS peer certificate's common name
// from an incoming gRPC call, the identity that every admin RPC and the
// GetTasks/SendLocalTaskResults collaborator RPCs authenticate against.
func commonNameFromContext(ctx context.Context) (string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", fmt.Errorf("transport: no peer information on context")
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", fmt.Errorf("transport: connection is not authenticated with TLS")
	}
	certs := tlsInfo.State.PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("transport: no peer certificate presented")
	}
	return certs[0].Subject.CommonName, nil
}
