// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package aggregator implements the central coordinator of the
// federation (spec §4.5–§4.6): the round state machine, its collaborator
// RPC surface, and the end-of-round aggregation sequence.
package aggregator

import (
	"fmt"
	"sync"
	"time"

	"fedcoord/internal/aggfunc"
	"fedcoord/internal/assigner"
	"fedcoord/internal/codec"
	"fedcoord/internal/metricstream"
	"fedcoord/internal/straggler"
	"fedcoord/internal/tensordb"
	"fedcoord/internal/tensorkey"
	"fedcoord/pkg/federation"
)

// RoundState names the coordinator's externally observable phase for a round.
type RoundState string

// Recognized round states.
const (
	StateIdle        RoundState = "idle"
	StateDispatching RoundState = "dispatching"
	StateClosing     RoundState = "closing"
	StateDraining    RoundState = "draining"
	StateStopped     RoundState = "stopped"
)

// PendingCollaborator is a queued add/remove request, keyed by the
// (label, common name) pair (spec §9: this pair is canonical for
// cancellation matching, not the CN alone).
type PendingCollaborator struct {
	Label string
	CN    string
}

// DynamicArgSpec is one entry of the plan's dynamictaskargs table.
type DynamicArgSpec struct {
	Min   float64
	Max   float64
	Value float64
}

// CollaboratorProgress is one entry of a RoundStatus snapshot.
type CollaboratorProgress struct {
	Name           string
	StartOffset    time.Duration
	TaskEndOffsets map[string]time.Duration
}

// RoundStatus is the admin-facing snapshot returned by GetExperimentStatus.
type RoundStatus struct {
	Round                  int
	RoundStart             *time.Time
	CollaboratorsProgress  []CollaboratorProgress
	Stragglers             []string
	ToAddNextRound         []PendingCollaborator
	ToRemoveNextRound      []PendingCollaborator
	AvailableCollaborators []string
	AssignedCollaborators  []string
}

// MetricRecord is one row of the metric stream (spec §6), aliased to
// metricstream.Record so any metricstream.Sink can be plugged in directly.
type MetricRecord = metricstream.Record

// MetricSink receives every metric record the coordinator emits.
type MetricSink = metricstream.Sink

// ModelStore persists a named-tensor snapshot to a checkpoint path.
type ModelStore interface {
	Save(round int, path string, tensors map[string]federation.Tensor) error
}

type noopModelStore struct{}

func (noopModelStore) Save(int, string, map[string]federation.Tensor) error { return nil }

// Config configures a new Aggregator. Optional fields are defaulted by New.
type Config struct {
	AggregatorUUID         string
	FederationUUID         string
	AuthorizedCols         []string
	AdminsEndpointsMapping map[string][]string

	InitialTensors map[string]federation.Tensor
	InitialRound   int

	BestStatePath string
	LastStatePath string

	Assigner        assigner.Assigner
	StragglerPolicy straggler.Policy

	RoundsToTrain                    int
	SingleCollaboratorCertCommonName string
	DBStoreRounds                    int
	DynamicTaskArgs                  map[string]map[string]*DynamicArgSpec

	Pipeline   codec.Pipeline
	ModelStore ModelStore
	MetricSink MetricSink

	AggregatedTensorPollInterval time.Duration
	AggregatedTensorPollTimeout  time.Duration
}

// Aggregator is the central coordinator of the federation.
type Aggregator struct {
	mu sync.Mutex

	uuid                              string
	federationUUID                    string
	authorizedCols                    []string
	adminsEndpointsMapping            map[string][]string
	singleCollaboratorCertCommonName  string
	bestStatePath                     string
	lastStatePath                     string
	roundsToTrain                     int
	dbStoreRounds                     int
	dynamicTaskArgs                   map[string]map[string]*DynamicArgSpec
	modelTensorNames                  []string

	assigner        assigner.Assigner
	stragglerPolicy straggler.Policy
	tensorDB        *tensordb.DB
	codec           *codec.Codec
	modelStore      ModelStore
	metricSink      MetricSink

	aggPollInterval time.Duration
	aggPollTimeout  time.Duration

	roundNumber                           int
	endOfRoundDone                        map[int]bool
	stragglerHandlingPolicyStartedForRound bool
	stragglers                            map[string]bool
	availableCollaborators                []string
	collaboratorsDone                     map[string]bool
	collaboratorTaskWeight                map[string]int
	collaboratorTasksResults              map[string][]tensorkey.TensorKey
	firstColStart                         *time.Time
	collaboratorStartTime                 map[string]time.Duration
	collaboratorEndTime                   map[string]map[string]time.Duration
	previousRoundStatus                   RoundStatus
	quitJobSentTo                         map[string]bool
	bestModelScore                        *float64

	collaboratorsToAdd    []PendingCollaborator
	collaboratorsToRemove []PendingCollaborator
}

// New constructs an Aggregator and loads the initial model tensors into C2.
func New(cfg Config) (*Aggregator, error) {
	if cfg.RoundsToTrain <= 0 {
		cfg.RoundsToTrain = 256
	}
	if cfg.DBStoreRounds <= 0 {
		cfg.DBStoreRounds = 1
	}
	if cfg.StragglerPolicy == nil {
		cfg.StragglerPolicy = straggler.NewCutoffTime(straggler.Disabled, 1)
	}
	if cfg.ModelStore == nil {
		cfg.ModelStore = noopModelStore{}
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = metricstream.NoOp{}
	}
	if cfg.AggregatedTensorPollInterval <= 0 {
		cfg.AggregatedTensorPollInterval = 5 * time.Second
	}
	if cfg.AggregatedTensorPollTimeout <= 0 {
		cfg.AggregatedTensorPollTimeout = 60 * time.Second
	}
	pipeline := cfg.Pipeline
	if pipeline.Compress == nil {
		pipeline = codec.NewIdentityPipeline()
	}

	a := &Aggregator{
		uuid:                             cfg.AggregatorUUID,
		federationUUID:                   cfg.FederationUUID,
		authorizedCols:                   append([]string{}, cfg.AuthorizedCols...),
		adminsEndpointsMapping:           cfg.AdminsEndpointsMapping,
		singleCollaboratorCertCommonName: cfg.SingleCollaboratorCertCommonName,
		bestStatePath:                    cfg.BestStatePath,
		lastStatePath:                    cfg.LastStatePath,
		roundsToTrain:                    cfg.RoundsToTrain,
		dbStoreRounds:                    cfg.DBStoreRounds,
		dynamicTaskArgs:                  cfg.DynamicTaskArgs,
		assigner:                         cfg.Assigner,
		stragglerPolicy:                  cfg.StragglerPolicy,
		tensorDB:                         tensordb.New(),
		codec:                            codec.New(pipeline),
		modelStore:                       cfg.ModelStore,
		metricSink:                       cfg.MetricSink,
		aggPollInterval:                  cfg.AggregatedTensorPollInterval,
		aggPollTimeout:                   cfg.AggregatedTensorPollTimeout,
		roundNumber:                      cfg.InitialRound,
		endOfRoundDone:                   make(map[int]bool),
		stragglers:                       make(map[string]bool),
		collaboratorsDone:                make(map[string]bool),
		collaboratorTaskWeight:           make(map[string]int),
		collaboratorTasksResults:         make(map[string][]tensorkey.TensorKey),
		collaboratorStartTime:            make(map[string]time.Duration),
		collaboratorEndTime:              make(map[string]map[string]time.Duration),
		quitJobSentTo:                    make(map[string]bool),
	}

	for name, t := range cfg.InitialTensors {
		a.modelTensorNames = append(a.modelTensorNames, name)
		a.tensorDB.Cache(tensorkey.New(name, a.uuid, a.roundNumber, false, tensorkey.TagModel), t)
	}
	a.writeDynamicTaskArgsLocked()

	return a, nil
}

// State reports the coordinator's externally observable phase.
func (a *Aggregator) State() RoundState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Aggregator) stateLocked() RoundState {
	if containsAll(a.quitJobSentTo, a.authorizedCols) {
		return StateStopped
	}
	if a.roundNumber >= a.roundsToTrain {
		return StateDraining
	}
	if a.endOfRoundDone[a.roundNumber] {
		return StateClosing
	}
	if a.firstColStart != nil {
		return StateDispatching
	}
	return StateIdle
}

func containsAll(set map[string]bool, names []string) bool {
	for _, n := range names {
		if !set[n] {
			return false
		}
	}
	return true
}

// ValidCollaboratorCNAndID mirrors the Python single-CN development mode:
// normally the cert CN must equal the collaborator's own CN; in
// single-collaborator dev mode, every collaborator authenticates under one
// shared cert CN instead.
func (a *Aggregator) ValidCollaboratorCNAndID(certCommonName, collaboratorCommonName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.singleCollaboratorCertCommonName == "" {
		return certCommonName == collaboratorCommonName && containsStr(a.authorizedCols, collaboratorCommonName)
	}
	return certCommonName == a.singleCollaboratorCertCommonName && containsStr(a.authorizedCols, collaboratorCommonName)
}

// ValidAdminCNAndID reports whether certCommonName is a recognized admin
// acting as adminCommonName.
func (a *Aggregator) ValidAdminCNAndID(certCommonName, adminCommonName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.adminsEndpointsMapping[adminCommonName]
	return certCommonName == adminCommonName && ok
}

// ValidAdminEndpoint reports whether adminCommonName is permitted to call endpointID.
func (a *Aggregator) ValidAdminEndpoint(endpointID, adminCommonName string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.adminsEndpointsMapping[adminCommonName] {
		if e == endpointID {
			return true
		}
	}
	return false
}

func (a *Aggregator) timeToQuitLocked() bool {
	return a.roundNumber >= a.roundsToTrain || a.stateLocked() == StateStopped
}

const collaboratorSleepTime = 10 * time.Second

// GetTasks is the GetTasks RPC (spec §4.5).
func (a *Aggregator) GetTasks(collaboratorName string) (tasks []federation.Task, round int, sleep time.Duration, quit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !containsStr(a.availableCollaborators, collaboratorName) {
		a.availableCollaborators = append(a.availableCollaborators, collaboratorName)
	}

	if a.timeToQuitLocked() {
		a.quitJobSentTo[collaboratorName] = true
		return nil, a.roundNumber, 0, true
	}

	assigned := a.assigner.GetTasksForCollaborator(collaboratorName, a.roundNumber)
	if len(assigned) == 0 {
		return nil, a.roundNumber, collaboratorSleepTime, false
	}

	var remaining []federation.Task
	for _, t := range assigned {
		if !a.collaboratorTaskCompletedLocked(collaboratorName, t.Name, a.roundNumber) {
			remaining = append(remaining, t)
		}
	}
	if a.stragglers[collaboratorName] {
		remaining = nil
	}
	if len(remaining) == 0 {
		return nil, a.roundNumber, collaboratorSleepTime, false
	}

	if !a.stragglerHandlingPolicyStartedForRound {
		a.stragglerHandlingPolicyStartedForRound = true
		a.stragglerPolicy.StartPolicy(a.onStragglerTimerFired)
	}

	now := time.Now()
	if a.firstColStart == nil {
		a.firstColStart = &now
	}
	if _, ok := a.collaboratorStartTime[collaboratorName]; !ok {
		a.collaboratorStartTime[collaboratorName] = now.Sub(*a.firstColStart)
	}

	return remaining, a.roundNumber, 0, false
}

func (a *Aggregator) collaboratorTaskCompletedLocked(collaborator, taskName string, round int) bool {
	key := tensorkey.TaskResultKey{TaskName: taskName, Owner: collaborator, RoundNumber: round}
	_, ok := a.collaboratorTasksResults[key.CacheKey()]
	return ok
}

// onStragglerTimerFired is the straggler policy's callback; it re-enters
// the coordinator lock from the timer's own goroutine (spec §5).
func (a *Aggregator) onStragglerTimerFired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkStragglerCutoffLocked()
}

func (a *Aggregator) checkStragglerCutoffLocked() {
	if a.stragglerPolicy.StragglerCutoffCheck(len(a.collaboratorsDone), len(a.assigner.GetAssignedCollaborators())) {
		a.endRoundDueToStragglersLocked()
	}
}

// SendLocalTaskResults is the SendLocalTaskResults RPC (spec §4.5).
func (a *Aggregator) SendLocalTaskResults(collaboratorName string, round int, taskName string, dataSize int, namedTensors []federation.NamedTensor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timeToQuitLocked() || a.stragglers[collaboratorName] {
		return nil
	}
	if a.roundNumber != round {
		return nil
	}

	taskKey := tensorkey.TaskResultKey{TaskName: taskName, Owner: collaboratorName, RoundNumber: round}
	if a.collaboratorTaskCompletedLocked(collaboratorName, taskName, round) {
		return federation.New(federation.KindDuplicateResult, "SendLocalTaskResults", taskKey.CacheKey())
	}

	a.collaboratorTaskWeight[taskKey.CacheKey()] = dataSize

	results := make([]tensorkey.TensorKey, 0, len(namedTensors))
	for _, nt := range namedTensors {
		tk, tensor, err := a.processNamedTensor(nt, collaboratorName)
		if err != nil {
			return err
		}
		if tk.HasTag(tensorkey.TagMetric) {
			val := scalarOf(tensor)
			a.metricSink.Publish(MetricRecord{
				Round:        round,
				MetricOrigin: collaboratorName,
				TaskName:     taskName,
				MetricName:   tk.TensorName,
				MetricValue:  val,
			})
		}
		results = append(results, tk)
	}

	a.collaboratorTasksResults[taskKey.CacheKey()] = results
	if _, ok := a.collaboratorEndTime[collaboratorName]; !ok {
		a.collaboratorEndTime[collaboratorName] = make(map[string]time.Duration)
	}
	if a.firstColStart != nil {
		a.collaboratorEndTime[collaboratorName][taskName] = time.Since(*a.firstColStart)
	}

	a.markCollaboratorDoneIfCompleteLocked(collaboratorName)

	if len(a.collaboratorsDone) == len(a.assigner.GetAssignedCollaborators()) {
		a.endOfRoundCheckLocked()
	} else {
		a.checkStragglerCutoffLocked()
	}
	return nil
}

func (a *Aggregator) markCollaboratorDoneIfCompleteLocked(collaboratorName string) {
	allTasks := a.assigner.GetTasksForCollaborator(collaboratorName, a.roundNumber)
	for _, t := range allTasks {
		if !a.collaboratorTaskCompletedLocked(collaboratorName, t.Name, a.roundNumber) {
			return
		}
	}
	a.collaboratorsDone[collaboratorName] = true
}

func (a *Aggregator) endRoundDueToStragglersLocked() {
	assigned := a.assigner.GetAssignedCollaborators()
	a.stragglers = make(map[string]bool)
	for _, c := range assigned {
		if !a.collaboratorsDone[c] {
			a.stragglers[c] = true
		}
	}
	a.endOfRoundCheckLocked()
}

func scalarOf(t federation.Tensor) float64 {
	vals := federation.DecodeFloats(t.Data)
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}

// processNamedTensor decompresses and (if needed) reconstructs the
// absolute tensor from a delta, caching the result in C2.
func (a *Aggregator) processNamedTensor(nt federation.NamedTensor, collaboratorName string) (tensorkey.TensorKey, federation.Tensor, error) {
	tensorKey := tensorkey.New(nt.Name, a.uuid, nt.RoundNumber, nt.Report, nt.Tags...)
	hasLossy := tensorKey.HasTag(tensorkey.TagLossyCompressed)
	hasLossless := tensorKey.HasTag(tensorkey.TagCompressed)
	if !hasLossy && !hasLossless {
		return tensorkey.TensorKey{}, federation.Tensor{}, fmt.Errorf("named tensor %s is not compressed", nt.Name)
	}

	decKey, decTensor, err := a.codec.Decompress(tensorKey, nt.DataBytes, nt.TransformerMetadata, !hasLossy)
	if err != nil {
		return tensorkey.TensorKey{}, federation.Tensor{}, err
	}
	withCollaborator := decKey.AddTag(collaboratorName)

	var finalKey tensorkey.TensorKey
	var finalTensor federation.Tensor
	if withCollaborator.HasTag(tensorkey.TagDelta) {
		baseKey := tensorkey.New(tensorKey.TensorName, tensorKey.Origin, tensorKey.RoundNumber, tensorKey.Report, tensorkey.TagModel)
		baseTensor, ok := a.tensorDB.Get(baseKey)
		if !ok {
			return tensorkey.TensorKey{}, federation.Tensor{}, federation.New(federation.KindMissingContributor, "processNamedTensor", "base model "+baseKey.CacheKey()+" not present")
		}
		finalKey, finalTensor, err = a.codec.ApplyDelta(withCollaborator, decTensor, baseTensor)
		if err != nil {
			return tensorkey.TensorKey{}, federation.Tensor{}, err
		}
	} else {
		finalKey, finalTensor = withCollaborator, decTensor
	}

	a.tensorDB.Cache(finalKey, finalTensor)
	return finalKey, finalTensor, nil
}

// GetAggregatedTensor is the GetAggregatedTensor RPC (spec §4.5). It never
// holds the coordinator lock while polling C2 (spec §5's suspension point).
func (a *Aggregator) GetAggregatedTensor(tensorName string, round int, report bool, tags []string, requireLossless bool) (federation.NamedTensor, error) {
	compressLossless := requireLossless || containsStr(tags, tensorkey.TagCompressed)
	rewritten := removeStr(removeStr(tags, tensorkey.TagCompressed), tensorkey.TagLossyCompressed)
	tensorKey := tensorkey.New(tensorName, a.uuid, round, report, rewritten...)

	aggKey := tensorKey
	if tensorKey.HasTag(tensorkey.TagAggregated) && tensorKey.HasTag(tensorkey.TagDelta) && round != 0 {
		aggKey = tensorkey.New(tensorName, a.uuid, round, report, tensorkey.TagAggregated)
	}

	deadline := time.Now().Add(a.aggPollTimeout)
	tensor, ok := a.tensorDB.Get(aggKey)
	for !ok && time.Now().Before(deadline) {
		time.Sleep(a.aggPollInterval)
		tensor, ok = a.tensorDB.Get(aggKey)
	}
	if !ok {
		return federation.NamedTensor{}, federation.New(federation.KindNotReady, "GetAggregatedTensor", aggKey.CacheKey())
	}

	return a.tensorToNamedTensor(aggKey, tensor, true, compressLossless)
}

func (a *Aggregator) tensorToNamedTensor(key tensorkey.TensorKey, tensor federation.Tensor, sendModelDeltas, compressLossless bool) (federation.NamedTensor, error) {
	if key.HasTag(tensorkey.TagAggregated) && sendModelDeltas {
		modelKey := tensorkey.New(key.TensorName, key.Origin, key.RoundNumber-1, key.Report, tensorkey.TagModel)
		modelTensor, ok := a.tensorDB.Get(modelKey)
		if !ok {
			return federation.NamedTensor{}, fmt.Errorf("the original model layer %s should be present if the latest aggregated model is present", modelKey.CacheKey())
		}
		deltaKey, deltaTensor, err := a.codec.GenerateDelta(key, tensor, modelTensor)
		if err != nil {
			return federation.NamedTensor{}, err
		}
		compKey, compTensor, err := a.codec.Compress(deltaKey, deltaTensor, compressLossless)
		if err != nil {
			return federation.NamedTensor{}, err
		}
		return toWire(compKey, compTensor), nil
	}

	compKey, compTensor, err := a.codec.Compress(key, tensor, true)
	if err != nil {
		return federation.NamedTensor{}, err
	}
	return toWire(compKey, compTensor), nil
}

func toWire(key tensorkey.TensorKey, tensor federation.Tensor) federation.NamedTensor {
	return federation.NamedTensor{
		Name:                key.TensorName,
		RoundNumber:         key.RoundNumber,
		Report:              key.Report,
		Tags:                key.Tags,
		DataBytes:           tensor.Data,
		TransformerMetadata: tensor.Metadata,
	}
}

// endOfRoundCheckLocked runs the full end-of-round sequence exactly once
// per round (spec §4.6).
func (a *Aggregator) endOfRoundCheckLocked() {
	if a.endOfRoundDone[a.roundNumber] {
		return
	}

	for _, taskName := range a.assigner.GetAllTasksForRound(a.roundNumber) {
		a.computeValidationRelatedTaskMetricsLocked(taskName)
	}

	a.previousRoundStatus = a.roundStatusLocked()

	a.collaboratorStartTime = make(map[string]time.Duration)
	a.collaboratorEndTime = make(map[string]map[string]time.Duration)
	a.firstColStart = nil

	a.endOfRoundDone[a.roundNumber] = true
	a.roundNumber++

	for _, p := range a.collaboratorsToAdd {
		if !containsStr(a.availableCollaborators, p.CN) {
			a.availableCollaborators = append(a.availableCollaborators, p.CN)
		}
	}
	for _, p := range a.collaboratorsToRemove {
		a.availableCollaborators = removeStr(a.availableCollaborators, p.CN)
	}

	_ = a.assigner.EndOfRound(a.availableCollaborators, a.stragglers, a.roundNumber)

	a.stragglerHandlingPolicyStartedForRound = false
	a.stragglers = make(map[string]bool)
	a.availableCollaborators = nil
	a.collaboratorsDone = make(map[string]bool)

	a.saveModelLocked(a.roundNumber, a.lastStatePath)

	a.tensorDB.Evict(a.roundNumber, a.dbStoreRounds)
	a.stragglerPolicy.ResetPolicyForRound()

	a.writeDynamicTaskArgsLocked()

	for _, p := range a.collaboratorsToAdd {
		a.authorizedCols = append(a.authorizedCols, p.CN)
		a.assigner.AddCollaborator(p.CN)
	}
	a.collaboratorsToAdd = nil

	for _, p := range a.collaboratorsToRemove {
		a.authorizedCols = removeStr(a.authorizedCols, p.CN)
		a.assigner.RemoveCollaborator(p.CN)
	}
	a.collaboratorsToRemove = nil
}

func (a *Aggregator) computeValidationRelatedTaskMetricsLocked(taskName string) {
	allForTask := a.assigner.GetCollaboratorsForTask(taskName, a.roundNumber)
	var done []string
	for _, c := range allForTask {
		if a.collaboratorsDone[c] {
			done = append(done, c)
		}
	}
	if len(done) == 0 {
		return
	}

	weights := make(map[string]float64, len(done))
	total := 0.0
	for _, c := range done {
		key := tensorkey.TaskResultKey{TaskName: taskName, Owner: c, RoundNumber: a.roundNumber}
		w := float64(a.collaboratorTaskWeight[key.CacheKey()])
		weights[c] = w
		total += w
	}
	if total == 0 {
		return
	}
	for c := range weights {
		weights[c] /= total
	}

	taskAggType := a.assigner.GetAggregationTypeForTask(taskName)
	firstKey := tensorkey.TaskResultKey{TaskName: taskName, Owner: done[0], RoundNumber: a.roundNumber}

	for _, tk := range a.collaboratorTasksResults[firstKey.CacheKey()] {
		aggTemplateKey := tk.RemoveTag(done[0])

		fn := aggfunc.WeightedAverage
		if !tk.HasTag(tensorkey.TagMetric) {
			if resolved, ok := aggfunc.Resolve(taskAggType); ok {
				fn = resolved
			}
		}

		aggResult, err := a.tensorDB.Aggregate(aggTemplateKey, weights, fn)
		if err != nil {
			continue
		}

		if aggTemplateKey.Report {
			value := scalarOf(aggResult)
			a.metricSink.Publish(MetricRecord{
				Round:        aggTemplateKey.RoundNumber,
				MetricOrigin: "aggregator",
				TaskName:     taskName,
				MetricName:   aggTemplateKey.TensorName,
				MetricValue:  value,
			})
			if aggTemplateKey.HasTag(tensorkey.TagValidateAgg) {
				if a.bestModelScore == nil || *a.bestModelScore < value {
					a.bestModelScore = &value
					a.saveModelLocked(aggTemplateKey.RoundNumber, a.bestStatePath)
				}
			}
		}

		if aggTemplateKey.HasTag(tensorkey.TagTrained) {
			a.prepareTrainedLocked(aggTemplateKey.TensorName, aggTemplateKey.Origin, aggTemplateKey.RoundNumber, aggTemplateKey.Report, aggResult)
		}
	}
}

// prepareTrainedLocked relabels a freshly aggregated "trained" tensor into
// the next round's "model" tensor, round-tripping it through a delta
// against the previous model so any lossy codec error is baked in.
func (a *Aggregator) prepareTrainedLocked(tensorName, origin string, round int, report bool, aggResult federation.Tensor) {
	aggTagKey := tensorkey.New(tensorName, origin, round+1, report, tensorkey.TagAggregated)
	a.tensorDB.Cache(aggTagKey, aggResult)

	baseModelKey := tensorkey.New(tensorName, origin, round, report, tensorkey.TagModel)
	baseTensor, hasBase := a.tensorDB.Get(baseModelKey)

	deltaKey, deltaTensor := aggTagKey, aggResult
	if hasBase {
		dk, dt, err := a.codec.GenerateDelta(aggTagKey, aggResult, baseTensor)
		if err != nil {
			return
		}
		deltaKey, deltaTensor = dk, dt
	}

	compKey, compTensor, err := a.codec.Compress(deltaKey, deltaTensor, true)
	if err != nil {
		return
	}
	decompKey, decompTensor, err := a.codec.Decompress(compKey, compTensor.Data, compTensor.Metadata, false)
	if err != nil {
		return
	}
	a.tensorDB.Cache(decompKey, decompTensor)

	newModelKey, newModelTensor := decompKey, decompTensor
	if hasBase {
		nk, nt, err := a.codec.ApplyDelta(decompKey, decompTensor, baseTensor)
		if err != nil {
			return
		}
		newModelKey, newModelTensor = nk, nt
	}

	finalModelKey := tensorkey.New(newModelKey.TensorName, newModelKey.Origin, newModelKey.RoundNumber, newModelKey.Report, tensorkey.TagModel)
	a.tensorDB.Cache(finalModelKey, newModelTensor)
}

func (a *Aggregator) saveModelLocked(round int, path string) {
	if path == "" || a.modelStore == nil {
		return
	}
	tensors := make(map[string]federation.Tensor, len(a.modelTensorNames))
	for _, name := range a.modelTensorNames {
		key := tensorkey.New(name, a.uuid, round, false, tensorkey.TagModel)
		t, ok := a.tensorDB.Get(key)
		if !ok {
			return
		}
		tensors[name] = t
	}
	_ = a.modelStore.Save(round, path, tensors)
}

func (a *Aggregator) writeDynamicTaskArgsLocked() {
	for taskName, args := range a.dynamicTaskArgs {
		for argName, spec := range args {
			key := tensorkey.DynamicTaskArgKey{TaskName: taskName, ArgName: argName, RoundNumber: a.roundNumber, AggID: a.uuid}
			a.tensorDB.SetDynamicTaskArg(key, spec.Value)
		}
	}
}

// SetDynamicTaskArg validates and stores the next round's value for a
// plan-declared dynamic task argument.
func (a *Aggregator) SetDynamicTaskArg(taskName, argName string, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	spec, err := a.dynamicArgSpecLocked(taskName, argName)
	if err != nil {
		return err
	}
	if value < spec.Min || value > spec.Max {
		return federation.New(federation.KindOutOfRange, "SetDynamicTaskArg", fmt.Sprintf("%s.%s: %v outside [%v, %v]", taskName, argName, value, spec.Min, spec.Max))
	}
	spec.Value = value
	return nil
}

// GetDynamicTaskArg returns the value currently in effect for this round
// and the value queued to take effect once applied.
func (a *Aggregator) GetDynamicTaskArg(taskName, argName string) (current, next float64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	spec, err := a.dynamicArgSpecLocked(taskName, argName)
	if err != nil {
		return 0, 0, err
	}
	key := tensorkey.DynamicTaskArgKey{TaskName: taskName, ArgName: argName, RoundNumber: a.roundNumber, AggID: a.uuid}
	v, _ := a.tensorDB.GetDynamicTaskArg(key)
	if cv, ok := v.(float64); ok {
		current = cv
	}
	return current, spec.Value, nil
}

func (a *Aggregator) dynamicArgSpecLocked(taskName, argName string) (*DynamicArgSpec, error) {
	byTask, ok := a.dynamicTaskArgs[taskName]
	if !ok {
		return nil, federation.New(federation.KindOutOfRange, "dynamic_task_arg", "no such task "+taskName)
	}
	spec, ok := byTask[argName]
	if !ok {
		return nil, federation.New(federation.KindOutOfRange, "dynamic_task_arg", "no such arg "+argName+" for task "+taskName)
	}
	return spec, nil
}

func (a *Aggregator) roundStatusLocked() RoundStatus {
	progress := make([]CollaboratorProgress, 0, len(a.collaboratorStartTime))
	for name, start := range a.collaboratorStartTime {
		progress = append(progress, CollaboratorProgress{Name: name, StartOffset: start, TaskEndOffsets: a.collaboratorEndTime[name]})
	}
	return RoundStatus{
		Round:                  a.roundNumber,
		RoundStart:             a.firstColStart,
		CollaboratorsProgress:  progress,
		Stragglers:             keysOf(a.stragglers),
		ToAddNextRound:         append([]PendingCollaborator{}, a.collaboratorsToAdd...),
		ToRemoveNextRound:      append([]PendingCollaborator{}, a.collaboratorsToRemove...),
		AvailableCollaborators: append([]string{}, a.availableCollaborators...),
		AssignedCollaborators:  a.assigner.GetAssignedCollaborators(),
	}
}

// GetExperimentStatus is the GetExperimentStatus admin RPC.
func (a *Aggregator) GetExperimentStatus() (current, previous RoundStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roundStatusLocked(), a.previousRoundStatus
}

// AddCollaborator is the AddCollaborator admin RPC (spec §4.7).
func (a *Aggregator) AddCollaborator(label, cn string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := PendingCollaborator{Label: label, CN: cn}
	if idx := indexOfPending(a.collaboratorsToRemove, pending); idx >= 0 {
		a.collaboratorsToRemove = append(a.collaboratorsToRemove[:idx], a.collaboratorsToRemove[idx+1:]...)
		return nil
	}
	if indexOfPending(a.collaboratorsToAdd, pending) >= 0 {
		return federation.New(federation.KindAlreadyQueued, "AddCollaborator", cn)
	}
	if containsStr(a.authorizedCols, cn) {
		return federation.New(federation.KindAlreadyAuthorized, "AddCollaborator", cn)
	}
	a.collaboratorsToAdd = append(a.collaboratorsToAdd, pending)
	return nil
}

// RemoveCollaborator is the RemoveCollaborator admin RPC (spec §4.7).
func (a *Aggregator) RemoveCollaborator(label, cn string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending := PendingCollaborator{Label: label, CN: cn}
	if idx := indexOfPending(a.collaboratorsToAdd, pending); idx >= 0 {
		a.collaboratorsToAdd = append(a.collaboratorsToAdd[:idx], a.collaboratorsToAdd[idx+1:]...)
		return nil
	}
	if indexOfPending(a.collaboratorsToRemove, pending) >= 0 {
		return federation.New(federation.KindAlreadyQueued, "RemoveCollaborator", cn)
	}
	if !containsStr(a.authorizedCols, cn) {
		return federation.New(federation.KindAlreadyAuthorized, "RemoveCollaborator", cn)
	}
	a.collaboratorsToRemove = append(a.collaboratorsToRemove, pending)
	return nil
}

func indexOfPending(list []PendingCollaborator, p PendingCollaborator) int {
	for i, c := range list {
		if c == p {
			return i
		}
	}
	return -1
}

// SetStragglerCutoffTime forwards to the straggler policy if it supports
// retuning; a no-op otherwise (spec §4.7).
func (a *Aggregator) SetStragglerCutoffTime(d time.Duration) {
	a.mu.Lock()
	policy := a.stragglerPolicy
	a.mu.Unlock()
	// The policy may run onStragglerTimerFired inline, which takes a.mu itself.
	if tunable, ok := policy.(interface{ SetStragglerCutoffTime(time.Duration) }); ok {
		tunable.SetStragglerCutoffTime(d)
	}
}

// Stop force-ends the experiment, imitating quit replies to every
// collaborator without actually dispatching them (spec §9: admin-only
// force-stop).
func (a *Aggregator) Stop(failedCollaborator string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if failedCollaborator != "" {
		a.quitJobSentTo[failedCollaborator] = true
	}
	for _, col := range a.authorizedCols {
		if col == failedCollaborator {
			continue
		}
		a.quitJobSentTo[col] = true
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeStr(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func keysOf(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
