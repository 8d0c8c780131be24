// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package transport

import "fedcoord/pkg/federation"

// GetTasksRequest is the wire envelope for the GetTasks RPC.
type GetTasksRequest struct {
	CollaboratorName string `json:"collaborator_name"`
}

// GetTasksResponse is the wire envelope for the GetTasks RPC reply.
type GetTasksResponse struct {
	Tasks        []federation.Task `json:"tasks"`
	Round        int               `json:"round"`
	SleepSeconds float64           `json:"sleep_seconds"`
	Quit         bool              `json:"quit"`
}

// SendLocalTaskResultsRequest is the wire envelope for a collaborator's
// task-result submission.
type SendLocalTaskResultsRequest struct {
	CollaboratorName string                   `json:"collaborator_name"`
	Round            int                      `json:"round"`
	TaskName         string                   `json:"task_name"`
	DataSize         int                      `json:"data_size"`
	Tensors          []federation.NamedTensor `json:"tensors"`
}

// SendLocalTaskResultsResponse is the (empty) reply to SendLocalTaskResults.
type SendLocalTaskResultsResponse struct{}

// GetAggregatedTensorRequest is the wire envelope for GetAggregatedTensor.
type GetAggregatedTensorRequest struct {
	TensorName      string   `json:"tensor_name"`
	Round           int      `json:"round"`
	Report          bool     `json:"report"`
	Tags            []string `json:"tags"`
	RequireLossless bool     `json:"require_lossless"`
}

// GetAggregatedTensorResponse is the wire envelope for GetAggregatedTensor's reply.
type GetAggregatedTensorResponse struct {
	Tensor federation.NamedTensor `json:"tensor"`
}

// SetDynamicTaskArgRequest sets one plan-declared dynamic task argument.
type SetDynamicTaskArgRequest struct {
	TaskName string  `json:"task_name"`
	ArgName  string  `json:"arg_name"`
	Value    float64 `json:"value"`
}

// SetDynamicTaskArgResponse is the (empty) reply to SetDynamicTaskArg.
type SetDynamicTaskArgResponse struct{}

// GetDynamicTaskArgRequest reads one plan-declared dynamic task argument.
type GetDynamicTaskArgRequest struct {
	TaskName string `json:"task_name"`
	ArgName  string `json:"arg_name"`
}

// GetDynamicTaskArgResponse carries the argument's current and next-round value.
type GetDynamicTaskArgResponse struct {
	Current float64 `json:"current"`
	Next    float64 `json:"next"`
}

// AddCollaboratorRequest is the wire envelope for the admin AddCollaborator RPC.
type AddCollaboratorRequest struct {
	CollaboratorLabel string `json:"collaborator_label"`
	CollaboratorCN    string `json:"collaborator_cn"`
}

// RemoveCollaboratorRequest is the wire envelope for the admin RemoveCollaborator RPC.
type RemoveCollaboratorRequest struct {
	CollaboratorLabel string `json:"collaborator_label"`
	CollaboratorCN    string `json:"collaborator_cn"`
}

// CollaboratorMutationResponse is the (empty) reply shared by
// AddCollaborator and RemoveCollaborator.
type CollaboratorMutationResponse struct{}

// GetExperimentStatusRequest is the (empty) request for GetExperimentStatus.
type GetExperimentStatusRequest struct{}

// CollaboratorProgressEntry mirrors aggregator.CollaboratorProgress on the wire.
type CollaboratorProgressEntry struct {
	Name              string           `json:"name"`
	StartOffsetMillis int64            `json:"start_offset_millis"`
	TaskEndOffsets    map[string]int64 `json:"task_end_offsets_millis"`
}

// PendingCollaboratorEntry mirrors aggregator.PendingCollaborator on the wire.
type PendingCollaboratorEntry struct {
	Label string `json:"label"`
	CN    string `json:"cn"`
}

// RoundStatusEntry mirrors aggregator.RoundStatus on the wire.
type RoundStatusEntry struct {
	Round                  int                         `json:"round"`
	CollaboratorsProgress  []CollaboratorProgressEntry `json:"collaborators_progress"`
	Stragglers             []string                    `json:"stragglers"`
	ToAddNextRound         []PendingCollaboratorEntry  `json:"to_add_next_round"`
	ToRemoveNextRound      []PendingCollaboratorEntry  `json:"to_remove_next_round"`
	AvailableCollaborators []string                    `json:"available_collaborators"`
	AssignedCollaborators  []string                    `json:"assigned_collaborators"`
}

// GetExperimentStatusResponse is the wire envelope for GetExperimentStatus's reply.
type GetExperimentStatusResponse struct {
	Current  RoundStatusEntry `json:"current"`
	Previous RoundStatusEntry `json:"previous"`
}

// SetStragglerCutoffTimeRequest is the wire envelope for the admin
// SetStragglerCutoffTime RPC.
type SetStragglerCutoffTimeRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// SetStragglerCutoffTimeResponse is the (empty) reply to SetStragglerCutoffTime.
type SetStragglerCutoffTimeResponse struct{}

// StopRequest is the (empty) request for the admin force-stop RPC.
type StopRequest struct{}

// StopResponse is the (empty) reply to Stop.
type StopResponse struct{}
