// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package admin implements the administrative surface over a running
// coordinator (spec §4.7): add/remove collaborator requests, experiment
// status queries, and straggler cutoff retuning. It is a thin,
// authorization-checked facade over *aggregator.Aggregator.
package admin

import (
	"time"

	"fedcoord/internal/aggregator"
	"fedcoord/pkg/federation"
)

// Coordinator is the capability set admin needs from the round state
// machine. *aggregator.Aggregator satisfies it.
type Coordinator interface {
	ValidAdminCNAndID(certCommonName, adminCommonName string) bool
	ValidAdminEndpoint(endpointID, adminCommonName string) bool
	AddCollaborator(label, cn string) error
	RemoveCollaborator(label, cn string) error
	GetExperimentStatus() (current, previous aggregator.RoundStatus)
	SetStragglerCutoffTime(d time.Duration)
	Stop(failedCollaborator string)
}

// Admin is bound to one admin identity; every call is authorized against
// that identity before being forwarded to the coordinator.
type Admin struct {
	name           string
	federationUUID string
	coordinator    Coordinator
}

// New constructs an Admin facade for adminName over coordinator.
func New(adminName, federationUUID string, coordinator Coordinator) *Admin {
	return &Admin{name: adminName, federationUUID: federationUUID, coordinator: coordinator}
}

func (a *Admin) authorize(certCommonName, endpointID string) error {
	if !a.coordinator.ValidAdminCNAndID(certCommonName, a.name) {
		return federation.New(federation.KindUnauthenticated, endpointID, "admin "+a.name)
	}
	if !a.coordinator.ValidAdminEndpoint(endpointID, a.name) {
		return federation.New(federation.KindUnauthorized, endpointID, "admin "+a.name)
	}
	return nil
}

// AddCollaborator queues colCN (displayed as colLabel) for admission at
// the next round boundary.
func (a *Admin) AddCollaborator(certCommonName, colLabel, colCN string) error {
	if err := a.authorize(certCommonName, "AddCollaborator"); err != nil {
		return err
	}
	return a.coordinator.AddCollaborator(colLabel, colCN)
}

// RemoveCollaborator queues colCN for removal at the next round boundary.
func (a *Admin) RemoveCollaborator(certCommonName, colLabel, colCN string) error {
	if err := a.authorize(certCommonName, "RemoveCollaborator"); err != nil {
		return err
	}
	return a.coordinator.RemoveCollaborator(colLabel, colCN)
}

// GetExperimentStatus returns the current and previous round's snapshot.
func (a *Admin) GetExperimentStatus(certCommonName string) (current, previous aggregator.RoundStatus, err error) {
	if err := a.authorize(certCommonName, "GetExperimentStatus"); err != nil {
		return aggregator.RoundStatus{}, aggregator.RoundStatus{}, err
	}
	current, previous = a.coordinator.GetExperimentStatus()
	return current, previous, nil
}

// SetStragglerCutoffTime retunes the straggler cutoff, if the coordinator's
// policy supports it; a no-op otherwise.
func (a *Admin) SetStragglerCutoffTime(certCommonName string, timeout time.Duration) error {
	if err := a.authorize(certCommonName, "SetStragglerCutoffTime"); err != nil {
		return err
	}
	a.coordinator.SetStragglerCutoffTime(timeout)
	return nil
}

// Stop force-ends the experiment.
func (a *Admin) Stop(certCommonName string) error {
	if err := a.authorize(certCommonName, "Stop"); err != nil {
		return err
	}
	a.coordinator.Stop("")
	return nil
}
