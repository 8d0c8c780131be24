// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package transport

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"fedcoord/internal/admin"
	"fedcoord/internal/aggregator"
	"fedcoord/internal/telemetry"
	"fedcoord/pkg/federation"
)

// Coordinator is the capability set the collaborator-facing service
// forwards to.
type Coordinator interface {
	ValidCollaboratorCNAndID(certCommonName, collaboratorCommonName string) bool
	GetTasks(collaboratorName string) (tasks []federation.Task, round int, sleep time.Duration, quit bool)
	SendLocalTaskResults(collaboratorName string, round int, taskName string, dataSize int, namedTensors []federation.NamedTensor) error
	GetAggregatedTensor(tensorName string, round int, report bool, tags []string, requireLossless bool) (federation.NamedTensor, error)
	SetDynamicTaskArg(taskName, argName string, value float64) error
	GetDynamicTaskArg(taskName, argName string) (current, next float64, err error)
}

var _ Coordinator = (*aggregator.Aggregator)(nil)

// CollaboratorServer adapts *aggregator.Aggregator to the gRPC collaborator
// service. GetTasks and SendLocalTaskResults authenticate the caller's peer
// certificate CN; GetAggregatedTensor, SetDynamicTaskArg and
// GetDynamicTaskArg do not check the caller's identity.
type CollaboratorServer struct {
	coordinator Coordinator
	logger      *slog.Logger
}

// NewCollaboratorServer constructs a CollaboratorServer.
func NewCollaboratorServer(coordinator Coordinator, logger *slog.Logger) *CollaboratorServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollaboratorServer{coordinator: coordinator, logger: logger}
}

func (s *CollaboratorServer) authenticate(ctx context.Context, collaboratorName string) error {
	cn, err := commonNameFromContext(ctx)
	if err != nil {
		return toGRPCStatus(federation.Wrap(federation.KindUnauthenticated, "authenticate", collaboratorName, err))
	}
	if !s.coordinator.ValidCollaboratorCNAndID(cn, collaboratorName) {
		return toGRPCStatus(federation.New(federation.KindUnauthenticated, "authenticate", collaboratorName))
	}
	return nil
}

// GetTasks handles the GetTasks RPC.
func (s *CollaboratorServer) GetTasks(ctx context.Context, req *GetTasksRequest) (*GetTasksResponse, error) {
	if err := s.authenticate(ctx, req.CollaboratorName); err != nil {
		return nil, err
	}
	tasks, round, sleep, quit := s.coordinator.GetTasks(req.CollaboratorName)
	return &GetTasksResponse{Tasks: tasks, Round: round, SleepSeconds: sleep.Seconds(), Quit: quit}, nil
}

// SendLocalTaskResults handles the SendLocalTaskResults RPC.
func (s *CollaboratorServer) SendLocalTaskResults(ctx context.Context, req *SendLocalTaskResultsRequest) (*SendLocalTaskResultsResponse, error) {
	ctx, span := telemetry.StartRPCSpan(ctx, "SendLocalTaskResults", telemetry.RPCAttrs(req.CollaboratorName, req.Round)...)
	defer span.End()
	span.SetAttributes(telemetry.AttrTaskName.String(req.TaskName), telemetry.AttrDataSize.Int(req.DataSize))

	if err := s.authenticate(ctx, req.CollaboratorName); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	if err := s.coordinator.SendLocalTaskResults(req.CollaboratorName, req.Round, req.TaskName, req.DataSize, req.Tensors); err != nil {
		s.logger.Warn("send_local_task_results failed", "collaborator", req.CollaboratorName, "round", req.Round, "error", err)
		telemetry.RecordError(ctx, err)
		return nil, toGRPCStatus(err)
	}
	return &SendLocalTaskResultsResponse{}, nil
}

// GetAggregatedTensor handles the GetAggregatedTensor RPC.
func (s *CollaboratorServer) GetAggregatedTensor(ctx context.Context, req *GetAggregatedTensorRequest) (*GetAggregatedTensorResponse, error) {
	ctx, span := telemetry.StartRPCSpan(ctx, "GetAggregatedTensor", telemetry.RPCAttrs("", req.Round)...)
	span.SetAttributes(telemetry.AttrTensorName.String(req.TensorName))
	defer span.End()

	tensor, err := s.coordinator.GetAggregatedTensor(req.TensorName, req.Round, req.Report, req.Tags, req.RequireLossless)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, toGRPCStatus(err)
	}
	return &GetAggregatedTensorResponse{Tensor: tensor}, nil
}

// SetDynamicTaskArg handles the SetDynamicTaskArg RPC.
func (s *CollaboratorServer) SetDynamicTaskArg(ctx context.Context, req *SetDynamicTaskArgRequest) (*SetDynamicTaskArgResponse, error) {
	if err := s.coordinator.SetDynamicTaskArg(req.TaskName, req.ArgName, req.Value); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &SetDynamicTaskArgResponse{}, nil
}

// GetDynamicTaskArg handles the GetDynamicTaskArg RPC.
func (s *CollaboratorServer) GetDynamicTaskArg(ctx context.Context, req *GetDynamicTaskArgRequest) (*GetDynamicTaskArgResponse, error) {
	current, next, err := s.coordinator.GetDynamicTaskArg(req.TaskName, req.ArgName)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &GetDynamicTaskArgResponse{Current: current, Next: next}, nil
}

// AdminCoordinator is the capability set the admin-facing service forwards to.
type AdminCoordinator interface {
	AddCollaborator(certCommonName, colLabel, colCN string) error
	RemoveCollaborator(certCommonName, colLabel, colCN string) error
	GetExperimentStatus(certCommonName string) (current, previous aggregator.RoundStatus, err error)
	SetStragglerCutoffTime(certCommonName string, timeout time.Duration) error
	Stop(certCommonName string) error
}

var _ AdminCoordinator = (*admin.Admin)(nil)

// AdminServer adapts *admin.Admin to the gRPC admin service.
type AdminServer struct {
	admin  AdminCoordinator
	logger *slog.Logger
}

// NewAdminServer constructs an AdminServer.
func NewAdminServer(adm AdminCoordinator, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminServer{admin: adm, logger: logger}
}

func (s *AdminServer) callerCN(ctx context.Context) (string, error) {
	cn, err := commonNameFromContext(ctx)
	if err != nil {
		return "", toGRPCStatus(federation.Wrap(federation.KindUnauthenticated, "authenticate", "", err))
	}
	return cn, nil
}

// AddCollaborator handles the admin AddCollaborator RPC.
func (s *AdminServer) AddCollaborator(ctx context.Context, req *AddCollaboratorRequest) (*CollaboratorMutationResponse, error) {
	cn, err := s.callerCN(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.admin.AddCollaborator(cn, req.CollaboratorLabel, req.CollaboratorCN); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &CollaboratorMutationResponse{}, nil
}

// RemoveCollaborator handles the admin RemoveCollaborator RPC.
func (s *AdminServer) RemoveCollaborator(ctx context.Context, req *RemoveCollaboratorRequest) (*CollaboratorMutationResponse, error) {
	cn, err := s.callerCN(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.admin.RemoveCollaborator(cn, req.CollaboratorLabel, req.CollaboratorCN); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &CollaboratorMutationResponse{}, nil
}

// GetExperimentStatus handles the admin GetExperimentStatus RPC.
func (s *AdminServer) GetExperimentStatus(ctx context.Context, _ *GetExperimentStatusRequest) (*GetExperimentStatusResponse, error) {
	cn, err := s.callerCN(ctx)
	if err != nil {
		return nil, err
	}
	current, previous, err := s.admin.GetExperimentStatus(cn)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &GetExperimentStatusResponse{Current: toWireStatus(current), Previous: toWireStatus(previous)}, nil
}

// SetStragglerCutoffTime handles the admin SetStragglerCutoffTime RPC.
func (s *AdminServer) SetStragglerCutoffTime(ctx context.Context, req *SetStragglerCutoffTimeRequest) (*SetStragglerCutoffTimeResponse, error) {
	cn, err := s.callerCN(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.admin.SetStragglerCutoffTime(cn, time.Duration(req.TimeoutSeconds*float64(time.Second))); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &SetStragglerCutoffTimeResponse{}, nil
}

// Stop handles the admin force-stop RPC.
func (s *AdminServer) Stop(ctx context.Context, _ *StopRequest) (*StopResponse, error) {
	cn, err := s.callerCN(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.admin.Stop(cn); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &StopResponse{}, nil
}

func toWireStatus(r aggregator.RoundStatus) RoundStatusEntry {
	progress := make([]CollaboratorProgressEntry, 0, len(r.CollaboratorsProgress))
	for _, p := range r.CollaboratorsProgress {
		ends := make(map[string]int64, len(p.TaskEndOffsets))
		for task, d := range p.TaskEndOffsets {
			ends[task] = d.Milliseconds()
		}
		progress = append(progress, CollaboratorProgressEntry{Name: p.Name, StartOffsetMillis: p.StartOffset.Milliseconds(), TaskEndOffsets: ends})
	}
	toAdd := make([]PendingCollaboratorEntry, 0, len(r.ToAddNextRound))
	for _, p := range r.ToAddNextRound {
		toAdd = append(toAdd, PendingCollaboratorEntry{Label: p.Label, CN: p.CN})
	}
	toRemove := make([]PendingCollaboratorEntry, 0, len(r.ToRemoveNextRound))
	for _, p := range r.ToRemoveNextRound {
		toRemove = append(toRemove, PendingCollaboratorEntry{Label: p.Label, CN: p.CN})
	}
	return RoundStatusEntry{
		Round:                  r.Round,
		CollaboratorsProgress:  progress,
		Stragglers:             r.Stragglers,
		ToAddNextRound:         toAdd,
		ToRemoveNextRound:      toRemove,
		AvailableCollaborators: r.AvailableCollaborators,
		AssignedCollaborators:  r.AssignedCollaborators,
	}
}

// RegisterServices registers the collaborator and admin services on grpcServer.
func RegisterServices(grpcServer *grpc.Server, coordinator *CollaboratorServer, adm *AdminServer) {
	grpcServer.RegisterService(&coordinatorServiceDesc, coordinator)
	grpcServer.RegisterService(&adminServiceDesc, adm)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "fedcoord.Coordinator",
	HandlerType: (*CollaboratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTasks", Handler: handleGetTasks},
		{MethodName: "SendLocalTaskResults", Handler: handleSendLocalTaskResults},
		{MethodName: "GetAggregatedTensor", Handler: handleGetAggregatedTensor},
		{MethodName: "SetDynamicTaskArg", Handler: handleSetDynamicTaskArg},
		{MethodName: "GetDynamicTaskArg", Handler: handleGetDynamicTaskArg},
	},
	Metadata: "fedcoord/coordinator.proto",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "fedcoord.Admin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddCollaborator", Handler: handleAddCollaborator},
		{MethodName: "RemoveCollaborator", Handler: handleRemoveCollaborator},
		{MethodName: "GetExperimentStatus", Handler: handleGetExperimentStatus},
		{MethodName: "SetStragglerCutoffTime", Handler: handleSetStragglerCutoffTime},
		{MethodName: "Stop", Handler: handleStop},
	},
	Metadata: "fedcoord/admin.proto",
}

func handleGetTasks(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetTasksRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*CollaboratorServer).GetTasks(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Coordinator/GetTasks"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*CollaboratorServer).GetTasks(ctx, req.(*GetTasksRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleSendLocalTaskResults(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SendLocalTaskResultsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*CollaboratorServer).SendLocalTaskResults(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Coordinator/SendLocalTaskResults"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*CollaboratorServer).SendLocalTaskResults(ctx, req.(*SendLocalTaskResultsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleGetAggregatedTensor(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetAggregatedTensorRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*CollaboratorServer).GetAggregatedTensor(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Coordinator/GetAggregatedTensor"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*CollaboratorServer).GetAggregatedTensor(ctx, req.(*GetAggregatedTensorRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleSetDynamicTaskArg(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SetDynamicTaskArgRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*CollaboratorServer).SetDynamicTaskArg(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Coordinator/SetDynamicTaskArg"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*CollaboratorServer).SetDynamicTaskArg(ctx, req.(*SetDynamicTaskArgRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleGetDynamicTaskArg(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetDynamicTaskArgRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*CollaboratorServer).GetDynamicTaskArg(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Coordinator/GetDynamicTaskArg"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*CollaboratorServer).GetDynamicTaskArg(ctx, req.(*GetDynamicTaskArgRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleAddCollaborator(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(AddCollaboratorRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AdminServer).AddCollaborator(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Admin/AddCollaborator"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*AdminServer).AddCollaborator(ctx, req.(*AddCollaboratorRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleRemoveCollaborator(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RemoveCollaboratorRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AdminServer).RemoveCollaborator(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Admin/RemoveCollaborator"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*AdminServer).RemoveCollaborator(ctx, req.(*RemoveCollaboratorRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleGetExperimentStatus(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetExperimentStatusRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AdminServer).GetExperimentStatus(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Admin/GetExperimentStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*AdminServer).GetExperimentStatus(ctx, req.(*GetExperimentStatusRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleSetStragglerCutoffTime(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SetStragglerCutoffTimeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AdminServer).SetStragglerCutoffTime(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Admin/SetStragglerCutoffTime"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*AdminServer).SetStragglerCutoffTime(ctx, req.(*SetStragglerCutoffTimeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func handleStop(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(StopRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*AdminServer).Stop(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fedcoord.Admin/Stop"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*AdminServer).Stop(ctx, req.(*StopRequest))
	}
	return interceptor(ctx, req, info, handler)
}
