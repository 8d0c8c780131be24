// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"fedcoord/internal/aggregator"
	"fedcoord/pkg/federation"
)

func contextWithCN(cn string) context.Context {
	p := &peer.Peer{
		AuthInfo: credentials.TLSInfo{
			State: tls.ConnectionState{
				PeerCertificates: []*x509.Certificate{{Subject: pkix.Name{CommonName: cn}}},
			},
		},
	}
	return peer.NewContext(context.Background(), p)
}

func decodeFrom(req any) func(any) error {
	return func(out any) error {
		switch o := out.(type) {
		case *GetTasksRequest:
			*o = *req.(*GetTasksRequest)
		case *SendLocalTaskResultsRequest:
			*o = *req.(*SendLocalTaskResultsRequest)
		case *GetAggregatedTensorRequest:
			*o = *req.(*GetAggregatedTensorRequest)
		case *SetDynamicTaskArgRequest:
			*o = *req.(*SetDynamicTaskArgRequest)
		case *GetDynamicTaskArgRequest:
			*o = *req.(*GetDynamicTaskArgRequest)
		case *AddCollaboratorRequest:
			*o = *req.(*AddCollaboratorRequest)
		case *RemoveCollaboratorRequest:
			*o = *req.(*RemoveCollaboratorRequest)
		case *GetExperimentStatusRequest:
			*o = *req.(*GetExperimentStatusRequest)
		case *SetStragglerCutoffTimeRequest:
			*o = *req.(*SetStragglerCutoffTimeRequest)
		case *StopRequest:
			*o = *req.(*StopRequest)
		default:
			panic("decodeFrom: unsupported request type")
		}
		return nil
	}
}

type fakeTransportCoordinator struct {
	validCN       string
	tasks         []federation.Task
	round         int
	sleep         time.Duration
	quit          bool
	sendErr       error
	aggTensor     federation.NamedTensor
	aggErr        error
	setArgErr     error
	getArgCurrent float64
	getArgNext    float64
	getArgErr     error
}

func (f *fakeTransportCoordinator) ValidCollaboratorCNAndID(cn, name string) bool {
	return cn == f.validCN
}

func (f *fakeTransportCoordinator) GetTasks(collaboratorName string) ([]federation.Task, int, time.Duration, bool) {
	return f.tasks, f.round, f.sleep, f.quit
}

func (f *fakeTransportCoordinator) SendLocalTaskResults(collaboratorName string, round int, taskName string, dataSize int, namedTensors []federation.NamedTensor) error {
	return f.sendErr
}

func (f *fakeTransportCoordinator) GetAggregatedTensor(tensorName string, round int, report bool, tags []string, requireLossless bool) (federation.NamedTensor, error) {
	return f.aggTensor, f.aggErr
}

func (f *fakeTransportCoordinator) SetDynamicTaskArg(taskName, argName string, value float64) error {
	return f.setArgErr
}

func (f *fakeTransportCoordinator) GetDynamicTaskArg(taskName, argName string) (float64, float64, error) {
	return f.getArgCurrent, f.getArgNext, f.getArgErr
}

func TestGetTasksHandlerReturnsTasksForAuthenticatedCollaborator(t *testing.T) {
	coord := &fakeTransportCoordinator{validCN: "collaborator-one", round: 3, sleep: 2 * time.Second}
	srv := NewCollaboratorServer(coord, nil)

	req := &GetTasksRequest{CollaboratorName: "collaborator-one"}
	resp, err := handleGetTasks(srv, contextWithCN("collaborator-one"), decodeFrom(req), nil)
	require.NoError(t, err)

	out, ok := resp.(*GetTasksResponse)
	require.True(t, ok)
	assert.Equal(t, 3, out.Round)
	assert.Equal(t, 2.0, out.SleepSeconds)
}

func TestGetTasksHandlerRejectsUnauthenticatedContext(t *testing.T) {
	coord := &fakeTransportCoordinator{validCN: "collaborator-one"}
	srv := NewCollaboratorServer(coord, nil)

	req := &GetTasksRequest{CollaboratorName: "collaborator-one"}
	_, err := handleGetTasks(srv, context.Background(), decodeFrom(req), nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGetTasksHandlerRejectsMismatchedCommonName(t *testing.T) {
	coord := &fakeTransportCoordinator{validCN: "collaborator-one"}
	srv := NewCollaboratorServer(coord, nil)

	req := &GetTasksRequest{CollaboratorName: "collaborator-one"}
	_, err := handleGetTasks(srv, contextWithCN("impostor"), decodeFrom(req), nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestSendLocalTaskResultsHandlerMapsMissingContributorToFailedPrecondition(t *testing.T) {
	coord := &fakeTransportCoordinator{
		validCN: "collaborator-one",
		sendErr: federation.New(federation.KindMissingContributor, "send_local_task_results", "agg_tensor"),
	}
	srv := NewCollaboratorServer(coord, nil)

	req := &SendLocalTaskResultsRequest{CollaboratorName: "collaborator-one", Round: 1, TaskName: "train"}
	_, err := handleSendLocalTaskResults(srv, contextWithCN("collaborator-one"), decodeFrom(req), nil)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGetAggregatedTensorHandlerPassesThroughOnSuccess(t *testing.T) {
	coord := &fakeTransportCoordinator{aggTensor: federation.NamedTensor{Name: "model", RoundNumber: 2}}
	srv := NewCollaboratorServer(coord, nil)

	req := &GetAggregatedTensorRequest{TensorName: "model", Round: 2}
	resp, err := handleGetAggregatedTensor(srv, context.Background(), decodeFrom(req), nil)
	require.NoError(t, err)

	out, ok := resp.(*GetAggregatedTensorResponse)
	require.True(t, ok)
	assert.Equal(t, "model", out.Tensor.Name)
}

func TestGetDynamicTaskArgHandlerMapsOutOfRangeError(t *testing.T) {
	coord := &fakeTransportCoordinator{getArgErr: federation.New(federation.KindOutOfRange, "get_dynamic_task_arg", "train/lr")}
	srv := NewCollaboratorServer(coord, nil)

	req := &GetDynamicTaskArgRequest{TaskName: "train", ArgName: "lr"}
	_, err := handleGetDynamicTaskArg(srv, context.Background(), decodeFrom(req), nil)
	require.Error(t, err)
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

type fakeTransportAdmin struct {
	validCN  string
	addErr   error
	current  aggregator.RoundStatus
	previous aggregator.RoundStatus
	statusErr error
}

func (f *fakeTransportAdmin) AddCollaborator(certCommonName, colLabel, colCN string) error {
	if certCommonName != f.validCN {
		return federation.New(federation.KindUnauthenticated, "add_collaborator", certCommonName)
	}
	return f.addErr
}

func (f *fakeTransportAdmin) RemoveCollaborator(certCommonName, colLabel, colCN string) error {
	return nil
}

func (f *fakeTransportAdmin) GetExperimentStatus(certCommonName string) (aggregator.RoundStatus, aggregator.RoundStatus, error) {
	return f.current, f.previous, f.statusErr
}

func (f *fakeTransportAdmin) SetStragglerCutoffTime(certCommonName string, timeout time.Duration) error {
	return nil
}

func (f *fakeTransportAdmin) Stop(certCommonName string) error {
	return nil
}

func TestAdminAddCollaboratorHandlerForwardsWhenAuthorized(t *testing.T) {
	adm := &fakeTransportAdmin{validCN: "admin-cn"}
	srv := NewAdminServer(adm, nil)

	req := &AddCollaboratorRequest{CollaboratorLabel: "col-two", CollaboratorCN: "col-two-cn"}
	resp, err := handleAddCollaborator(srv, contextWithCN("admin-cn"), decodeFrom(req), nil)
	require.NoError(t, err)
	assert.IsType(t, &CollaboratorMutationResponse{}, resp)
}

func TestAdminAddCollaboratorHandlerRejectsWrongCommonName(t *testing.T) {
	adm := &fakeTransportAdmin{validCN: "admin-cn"}
	srv := NewAdminServer(adm, nil)

	req := &AddCollaboratorRequest{CollaboratorLabel: "col-two", CollaboratorCN: "col-two-cn"}
	_, err := handleAddCollaborator(srv, contextWithCN("intruder"), decodeFrom(req), nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAdminGetExperimentStatusHandlerConvertsRoundStatus(t *testing.T) {
	adm := &fakeTransportAdmin{
		validCN: "admin-cn",
		current: aggregator.RoundStatus{
			Round: 4,
			CollaboratorsProgress: []aggregator.CollaboratorProgress{
				{Name: "col-one", StartOffset: 5 * time.Second, TaskEndOffsets: map[string]time.Duration{"train": 9 * time.Second}},
			},
			Stragglers:             []string{"col-three"},
			ToAddNextRound:         []aggregator.PendingCollaborator{{Label: "col-four", CN: "col-four-cn"}},
			AvailableCollaborators: []string{"col-one", "col-two"},
			AssignedCollaborators:  []string{"col-one"},
		},
	}
	srv := NewAdminServer(adm, nil)

	req := &GetExperimentStatusRequest{}
	resp, err := handleGetExperimentStatus(srv, contextWithCN("admin-cn"), decodeFrom(req), nil)
	require.NoError(t, err)

	out, ok := resp.(*GetExperimentStatusResponse)
	require.True(t, ok)
	assert.Equal(t, 4, out.Current.Round)
	require.Len(t, out.Current.CollaboratorsProgress, 1)
	assert.Equal(t, "col-one", out.Current.CollaboratorsProgress[0].Name)
	assert.Equal(t, int64(5000), out.Current.CollaboratorsProgress[0].StartOffsetMillis)
	assert.Equal(t, int64(9000), out.Current.CollaboratorsProgress[0].TaskEndOffsets["train"])
	require.Len(t, out.Current.ToAddNextRound, 1)
	assert.Equal(t, "col-four-cn", out.Current.ToAddNextRound[0].CN)
}

func TestAdminStopHandlerForwardsToCoordinator(t *testing.T) {
	adm := &fakeTransportAdmin{validCN: "admin-cn"}
	srv := NewAdminServer(adm, nil)

	req := &StopRequest{}
	resp, err := handleStop(srv, contextWithCN("admin-cn"), decodeFrom(req), nil)
	require.NoError(t, err)
	assert.IsType(t, &StopResponse{}, resp)
}
