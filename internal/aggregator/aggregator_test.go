// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcoord/internal/assigner"
	"fedcoord/internal/codec"
	"fedcoord/internal/straggler"
	"fedcoord/internal/tensorkey"
	"fedcoord/pkg/federation"
)

type capturingSink struct {
	records []MetricRecord
}

func (s *capturingSink) Publish(r MetricRecord) { s.records = append(s.records, r) }

func buildNamedTensor(c *codec.Codec, name string, round int, report bool, tags []string, value float64) federation.NamedTensor {
	tk := tensorkey.New(name, "", round, report, tags...)
	raw := federation.EncodeFloats([]float64{value})
	outKey, outTensor, err := c.Compress(tk, federation.Tensor{Data: raw}, true)
	if err != nil {
		panic(err)
	}
	return federation.NamedTensor{
		Name:                name,
		RoundNumber:         round,
		Report:              report,
		Tags:                outKey.Tags,
		DataBytes:           outTensor.Data,
		TransformerMetadata: outTensor.Metadata,
	}
}

func newTestAssigner(t *testing.T, cols []string, rounds int) assigner.Assigner {
	t.Helper()
	groups := []federation.TaskGroup{
		{Name: "all", Percentage: 1.0, Tasks: []federation.Task{{Name: "train", TaskType: federation.TaskTypeTrain}}, AggregationType: aggfuncWeightedAverage},
	}
	a, err := assigner.New(groups, cols, rounds)
	require.NoError(t, err)
	return a
}

const aggfuncWeightedAverage federation.AggregationType = "weighted_average"

func TestHappyPathAggregatesWeightedAverageAndMetric(t *testing.T) {
	sink := &capturingSink{}
	cfg := Config{
		AggregatorUUID: "agg-1",
		AuthorizedCols: []string{"A", "B"},
		InitialTensors: map[string]federation.Tensor{
			"layer1": {Data: federation.EncodeFloats([]float64{0})},
		},
		Assigner:        newTestAssigner(t, []string{"A", "B"}, 2),
		StragglerPolicy: straggler.NewPercentage(1.0),
		RoundsToTrain:   2,
		MetricSink:      sink,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	tasksA, roundA, _, quitA := a.GetTasks("A")
	tasksB, roundB, _, quitB := a.GetTasks("B")
	require.False(t, quitA)
	require.False(t, quitB)
	assert.Equal(t, 0, roundA)
	assert.Equal(t, 0, roundB)
	assert.NotEmpty(t, tasksA)
	assert.NotEmpty(t, tasksB)

	c := codec.New(codec.NewIdentityPipeline())

	errA := a.SendLocalTaskResults("A", 0, "train", 1, []federation.NamedTensor{
		buildNamedTensor(c, "layer1", 0, false, []string{"trained"}, 2.0),
		buildNamedTensor(c, "loss", 0, true, []string{"metric", "validate_agg"}, 1.0),
	})
	require.NoError(t, errA)

	errB := a.SendLocalTaskResults("B", 0, "train", 1, []federation.NamedTensor{
		buildNamedTensor(c, "layer1", 0, false, []string{"trained"}, 4.0),
		buildNamedTensor(c, "loss", 0, true, []string{"metric", "validate_agg"}, 1.0),
	})
	require.NoError(t, errB)

	a.mu.Lock()
	round := a.roundNumber
	modelTensor, ok := a.tensorDB.Get(tensorkey.New("layer1", "agg-1", 1, false, tensorkey.TagModel))
	a.mu.Unlock()

	require.Equal(t, 1, round)
	require.True(t, ok)
	got := federation.DecodeFloats(modelTensor.Data)
	require.Len(t, got, 1)
	assert.InDelta(t, 3.0, got[0], 1e-9)

	var lossRecord *MetricRecord
	for i := range sink.records {
		if sink.records[i].MetricOrigin == "aggregator" && sink.records[i].MetricName == "loss" {
			lossRecord = &sink.records[i]
		}
	}
	require.NotNil(t, lossRecord)
	assert.InDelta(t, 1.0, lossRecord.MetricValue, 1e-9)
}

func TestStragglerCutoffExcludesNonReportingCollaborator(t *testing.T) {
	cfg := Config{
		AggregatorUUID: "agg-2",
		AuthorizedCols: []string{"A", "B"},
		InitialTensors: map[string]federation.Tensor{
			"layer1": {Data: federation.EncodeFloats([]float64{0})},
		},
		Assigner:        newTestAssigner(t, []string{"A", "B"}, 1),
		StragglerPolicy: straggler.NewPercentage(0.5),
		RoundsToTrain:   1,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	a.GetTasks("A")
	a.GetTasks("B")

	c := codec.New(codec.NewIdentityPipeline())
	err = a.SendLocalTaskResults("A", 0, "train", 1, []federation.NamedTensor{
		buildNamedTensor(c, "layer1", 0, false, []string{"trained"}, 5.0),
	})
	require.NoError(t, err)

	a.mu.Lock()
	round := a.roundNumber
	stragglers := a.previousRoundStatus.Stragglers
	modelTensor, ok := a.tensorDB.Get(tensorkey.New("layer1", "agg-2", 1, false, tensorkey.TagModel))
	a.mu.Unlock()

	assert.Equal(t, 1, round)
	assert.ElementsMatch(t, []string{"B"}, stragglers)
	require.True(t, ok)
	got := federation.DecodeFloats(modelTensor.Data)
	require.Len(t, got, 1)
	assert.InDelta(t, 5.0, got[0], 1e-9)
}

func TestDynamicTaskArgRoundTrip(t *testing.T) {
	cfg := Config{
		AggregatorUUID: "agg-3",
		AuthorizedCols: []string{"A"},
		Assigner:       newTestAssigner(t, []string{"A"}, 1),
		RoundsToTrain:  1,
		DynamicTaskArgs: map[string]map[string]*DynamicArgSpec{
			"train": {"lr": {Min: 0, Max: 1, Value: 0.1}},
		},
	}
	a, err := New(cfg)
	require.NoError(t, err)

	cur, next, err := a.GetDynamicTaskArg("train", "lr")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cur, 1e-9)
	assert.InDelta(t, 0.1, next, 1e-9)

	require.NoError(t, a.SetDynamicTaskArg("train", "lr", 0.5))
	_, next, err = a.GetDynamicTaskArg("train", "lr")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, next, 1e-9)

	err = a.SetDynamicTaskArg("train", "lr", 5.0)
	require.Error(t, err)
	var fedErr *federation.Error
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindOutOfRange, fedErr.Kind)
}

func TestSendLocalTaskResultsRejectsDuplicateAndStaleRound(t *testing.T) {
	cfg := Config{
		AggregatorUUID:  "agg-4",
		AuthorizedCols:  []string{"A", "B"},
		Assigner:        newTestAssigner(t, []string{"A", "B"}, 3),
		StragglerPolicy: straggler.NewPercentage(1.0),
		RoundsToTrain:   3,
	}
	a, err := New(cfg)
	require.NoError(t, err)
	a.GetTasks("A")

	c := codec.New(codec.NewIdentityPipeline())
	nt := buildNamedTensor(c, "layer1", 0, false, []string{"trained"}, 1.0)

	require.NoError(t, a.SendLocalTaskResults("A", 0, "train", 1, []federation.NamedTensor{nt}))

	err = a.SendLocalTaskResults("A", 0, "train", 1, []federation.NamedTensor{nt})
	require.Error(t, err)
	var fedErr *federation.Error
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindDuplicateResult, fedErr.Kind)

	err = a.SendLocalTaskResults("A", 99, "train", 1, []federation.NamedTensor{nt})
	require.NoError(t, err) // wrong round is silently discarded, not an error
}

func TestAddAndRemoveCollaboratorQueueing(t *testing.T) {
	cfg := Config{
		AggregatorUUID: "agg-5",
		AuthorizedCols: []string{"A"},
		Assigner:       newTestAssigner(t, []string{"A"}, 5),
		RoundsToTrain:  5,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, a.AddCollaborator("label", "B"))
	err = a.AddCollaborator("label", "B")
	require.Error(t, err)
	var fedErr *federation.Error
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindAlreadyQueued, fedErr.Kind)

	require.NoError(t, a.RemoveCollaborator("label", "A"))
	err = a.RemoveCollaborator("label", "A")
	require.Error(t, err)
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindAlreadyQueued, fedErr.Kind)
}

func TestStopMarksEveryCollaboratorAsQuit(t *testing.T) {
	cfg := Config{
		AggregatorUUID: "agg-6",
		AuthorizedCols: []string{"A", "B"},
		Assigner:       newTestAssigner(t, []string{"A", "B"}, 5),
		RoundsToTrain:  5,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	a.Stop("")
	assert.Equal(t, StateStopped, a.State())

	_, _, _, quit := a.GetTasks("A")
	assert.True(t, quit)
}

func TestGetAggregatedTensorTimesOutWhenNeverProduced(t *testing.T) {
	cfg := Config{
		AggregatorUUID:               "agg-7",
		AuthorizedCols:               []string{"A"},
		Assigner:                     newTestAssigner(t, []string{"A"}, 1),
		RoundsToTrain:                1,
		AggregatedTensorPollInterval: time.Millisecond,
		AggregatedTensorPollTimeout:  10 * time.Millisecond,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	_, err = a.GetAggregatedTensor("nonexistent", 0, false, nil, true)
	require.Error(t, err)
	var fedErr *federation.Error
	require.ErrorAs(t, err, &fedErr)
	assert.Equal(t, federation.KindNotReady, fedErr.Kind)
}
