// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"fedcoord/internal/admin"
	"fedcoord/internal/aggregator"
	"fedcoord/internal/assigner"
	"fedcoord/internal/checkpoint"
	"fedcoord/internal/codec"
	"fedcoord/internal/planconfig"
	"fedcoord/internal/straggler"
	"fedcoord/internal/telemetry"
	"fedcoord/internal/transport"
	"fedcoord/pkg/federation"
)

const version = "0.1.0"

func main() {
	fmt.Printf("fedcoord aggregator v%s\n", version)

	planPath := flag.String("plan", "plan.yaml", "path to the federation plan file")
	listenAddr := flag.String("listen", ":50051", "gRPC listen address")
	certFile := flag.String("cert", "", "server TLS certificate")
	keyFile := flag.String("key", "", "server TLS private key")
	caFile := flag.String("ca", "", "client CA bundle for mutual TLS")
	adminName := flag.String("admin-name", "default_admin", "admin common name this process answers to")
	flag.Parse()

	plan, err := planconfig.Load(*planPath)
	if err != nil {
		log.Fatalf("failed to load plan: %v", err)
	}

	agg, err := buildAggregator(plan)
	if err != nil {
		log.Fatalf("failed to initialize aggregator: %v", err)
	}
	if plan.SingleCollaboratorCertCommonName != "" {
		slog.Warn("single collaborator cert common name mode is enabled: every collaborator authenticates with one shared certificate CN (development only)",
			"cert_common_name", plan.SingleCollaboratorCertCommonName)
	}

	adm := admin.New(*adminName, plan.FederationUUID, agg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	creds, err := serverCredentials(*certFile, *keyFile, *caFile)
	if err != nil {
		log.Fatalf("failed to configure TLS: %v", err)
	}

	grpcServer := grpc.NewServer(grpc.Creds(creds))
	logger := slog.Default()
	transport.RegisterServices(grpcServer,
		transport.NewCollaboratorServer(agg, logger),
		transport.NewAdminServer(adm, logger),
	)

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *listenAddr, err)
	}

	fmt.Printf("✓ Federation UUID: %s\n", plan.FederationUUID)
	fmt.Printf("✓ Aggregator UUID: %s\n", plan.AggregatorUUID)
	fmt.Printf("✓ Listening on %s\n\n", *listenAddr)

	go func() {
		<-ctx.Done()
		log.Println("shutdown signal received, stopping aggregator")
		agg.Stop("")
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("grpc server exited: %v", err)
	}
}

// buildAggregator wires a plan file into a running round state machine:
// the assigner and straggler policy it selects, the checkpoint store for
// its model snapshots, and the initial tensors loaded from its
// init_state_path (if any).
func buildAggregator(plan *planconfig.Plan) (*aggregator.Aggregator, error) {
	taskAssigner, err := assigner.New(plan.Assigner.Settings.TaskGroups, plan.AuthorizedCols, plan.RoundsToTrain)
	if err != nil {
		return nil, fmt.Errorf("building assigner: %w", err)
	}

	stragglerPolicy, err := buildStragglerPolicy(plan.StragglerHandlingPolicy)
	if err != nil {
		return nil, fmt.Errorf("building straggler policy: %w", err)
	}

	initialTensors, initialRound, err := loadInitialState(plan.InitStatePath)
	if err != nil {
		return nil, fmt.Errorf("loading init state: %w", err)
	}

	dynamicTaskArgs := make(map[string]map[string]*aggregator.DynamicArgSpec, len(plan.DynamicTaskArgs))
	for taskName, args := range plan.DynamicTaskArgs {
		converted := make(map[string]*aggregator.DynamicArgSpec, len(args))
		for argName, spec := range args {
			converted[argName] = &aggregator.DynamicArgSpec{Min: spec.Min, Max: spec.Max, Value: spec.Value}
		}
		dynamicTaskArgs[taskName] = converted
	}

	return aggregator.New(aggregator.Config{
		AggregatorUUID:                    plan.AggregatorUUID,
		FederationUUID:                    plan.FederationUUID,
		AuthorizedCols:                    plan.AuthorizedCols,
		AdminsEndpointsMapping:            plan.AdminsEndpointsMapping,
		InitialTensors:                    initialTensors,
		InitialRound:                      initialRound,
		BestStatePath:                     plan.BestStatePath,
		LastStatePath:                     plan.LastStatePath,
		Assigner:                          taskAssigner,
		StragglerPolicy:                   stragglerPolicy,
		RoundsToTrain:                     plan.RoundsToTrain,
		SingleCollaboratorCertCommonName:  plan.SingleCollaboratorCertCommonName,
		DBStoreRounds:                     plan.DBStoreRounds,
		DynamicTaskArgs:                   dynamicTaskArgs,
		Pipeline:                          codec.NewIdentityPipeline(),
		ModelStore:                        checkpoint.NewStore(),
	})
}

func buildStragglerPolicy(section planconfig.StragglerSection) (straggler.Policy, error) {
	switch section.Template {
	case "", "cutoff_time_based":
		cutoff := straggler.Disabled
		if section.Settings.StragglerCutoffTimeSeconds > 0 {
			cutoff = time.Duration(section.Settings.StragglerCutoffTimeSeconds * float64(time.Second))
		}
		return straggler.NewCutoffTime(cutoff, section.Settings.MinimumReporting), nil
	case "percentage_based":
		return straggler.NewPercentage(section.Settings.PercentageThreshold), nil
	default:
		return nil, fmt.Errorf("unrecognized straggler_handling_policy template %q", section.Template)
	}
}

func loadInitialState(path string) (map[string]federation.Tensor, int, error) {
	if path == "" {
		return nil, 0, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, 0, nil
	}
	cp, err := checkpoint.Load(path)
	if err != nil {
		return nil, 0, err
	}
	return cp.Tensors, cp.Round, nil
}

// serverCredentials builds mutual TLS credentials from the given files. If
// certFile/keyFile are unset, an insecure listener is used instead (local
// development only).
func serverCredentials(certFile, keyFile, caFile string) (credentials.TransportCredentials, error) {
	if certFile == "" || keyFile == "" {
		return insecure.NewCredentials(), nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server keypair: %w", err)
	}

	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.RequireAndVerifyClientCert}

	if caFile != "" {
		caBytes, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no certificates parsed from %s", caFile)
		}
		tlsConfig.ClientCAs = pool
	}

	return credentials.NewTLS(tlsConfig), nil
}
