// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcoord/internal/aggregator"
	"fedcoord/pkg/federation"
)

type fakeCoordinator struct {
	validCN     string
	endpoints   map[string]bool
	addErr      error
	removeErr   error
	lastCutoff  time.Duration
	stopped     bool
	addCalls    []string
	removeCalls []string
}

func (f *fakeCoordinator) ValidAdminCNAndID(cert, admin string) bool {
	return cert == f.validCN && cert == admin
}

func (f *fakeCoordinator) ValidAdminEndpoint(endpointID, admin string) bool {
	return f.endpoints[endpointID]
}

func (f *fakeCoordinator) AddCollaborator(label, cn string) error {
	f.addCalls = append(f.addCalls, cn)
	return f.addErr
}

func (f *fakeCoordinator) RemoveCollaborator(label, cn string) error {
	f.removeCalls = append(f.removeCalls, cn)
	return f.removeErr
}

func (f *fakeCoordinator) GetExperimentStatus() (aggregator.RoundStatus, aggregator.RoundStatus) {
	return aggregator.RoundStatus{Round: 3}, aggregator.RoundStatus{Round: 2}
}

func (f *fakeCoordinator) SetStragglerCutoffTime(d time.Duration) { f.lastCutoff = d }

func (f *fakeCoordinator) Stop(string) { f.stopped = true }

func newFakeCoordinator(adminName string) *fakeCoordinator {
	return &fakeCoordinator{
		validCN: adminName,
		endpoints: map[string]bool{
			"AddCollaborator":        true,
			"RemoveCollaborator":     true,
			"GetExperimentStatus":    true,
			"SetStragglerCutoffTime": true,
			"Stop":                   true,
		},
	}
}

func TestAddCollaboratorForwardsWhenAuthorized(t *testing.T) {
	coord := newFakeCoordinator("root-admin")
	a := New("root-admin", "fed-1", coord)

	require.NoError(t, a.AddCollaborator("root-admin", "site-a", "collaborator-a"))
	assert.Equal(t, []string{"collaborator-a"}, coord.addCalls)
}

func TestAddCollaboratorRejectsWrongCertCN(t *testing.T) {
	coord := newFakeCoordinator("root-admin")
	a := New("root-admin", "fed-1", coord)

	err := a.AddCollaborator("imposter", "site-a", "collaborator-a")
	require.Error(t, err)
	var fedErr *federation.Error
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindUnauthenticated, fedErr.Kind)
	assert.Empty(t, coord.addCalls)
}

func TestRemoveCollaboratorRejectsUnpermittedEndpoint(t *testing.T) {
	coord := newFakeCoordinator("root-admin")
	coord.endpoints["RemoveCollaborator"] = false
	a := New("root-admin", "fed-1", coord)

	err := a.RemoveCollaborator("root-admin", "site-a", "collaborator-a")
	require.Error(t, err)
	var fedErr *federation.Error
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindUnauthorized, fedErr.Kind)
}

func TestGetExperimentStatusReturnsCurrentAndPrevious(t *testing.T) {
	coord := newFakeCoordinator("root-admin")
	a := New("root-admin", "fed-1", coord)

	current, previous, err := a.GetExperimentStatus("root-admin")
	require.NoError(t, err)
	assert.Equal(t, 3, current.Round)
	assert.Equal(t, 2, previous.Round)
}

func TestSetStragglerCutoffTimeForwardsDuration(t *testing.T) {
	coord := newFakeCoordinator("root-admin")
	a := New("root-admin", "fed-1", coord)

	require.NoError(t, a.SetStragglerCutoffTime("root-admin", 30*time.Second))
	assert.Equal(t, 30*time.Second, coord.lastCutoff)
}

func TestStopForwardsToCoordinator(t *testing.T) {
	coord := newFakeCoordinator("root-admin")
	a := New("root-admin", "fed-1", coord)

	require.NoError(t, a.Stop("root-admin"))
	assert.True(t, coord.stopped)
}
