package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"gnas/internal/model"
)

func TestRecorderTracksProgress(t *testing.T) {
	r := NewRecorder("run-1")

	r.ObserveTrainLoss(2.5)
	r.ObserveTrainLoss(1.5)
	require.Equal(t, 2.0, testutil.ToFloat64(r.trainSteps))
	require.Equal(t, 1.5, testutil.ToFloat64(r.trainLoss))

	r.ObserveEvaluation(0.4)
	r.ObserveEvaluation(0.2)
	r.ObserveEvaluation(0.3)
	require.Equal(t, 3.0, testutil.ToFloat64(r.evaluations))

	r.ObserveGeneration(model.GenerationDiagnostics{
		Generation:          0,
		BestFitness:         0.2,
		BestEverFitness:     0.2,
		MeanFitness:         0.3,
		FitnessVariance:     0.01,
		DistinctIndividuals: 3,
	})
	require.Equal(t, 1.0, testutil.ToFloat64(r.generation))
	require.Equal(t, 0.2, testutil.ToFloat64(r.bestFitness))
	require.Equal(t, 3.0, testutil.ToFloat64(r.distinct))
	require.Equal(t, 0.0, testutil.ToFloat64(r.collapsed))
}

func TestRecorderFlagsCollapse(t *testing.T) {
	r := NewRecorder("run-1")
	r.ObserveGeneration(model.GenerationDiagnostics{Generation: 0, DistinctIndividuals: 1, Collapsed: true})
	r.ObserveGeneration(model.GenerationDiagnostics{Generation: 1, DistinctIndividuals: 1, Collapsed: true})
	require.Equal(t, 1.0, testutil.ToFloat64(r.collapsed))
	require.Equal(t, 2.0, testutil.ToFloat64(r.collapses))

	r.ObserveGeneration(model.GenerationDiagnostics{Generation: 2, DistinctIndividuals: 4})
	require.Equal(t, 0.0, testutil.ToFloat64(r.collapsed))
	require.Equal(t, 2.0, testutil.ToFloat64(r.collapses))
}

func TestRecorderHandlerServesRunLabel(t *testing.T) {
	r := NewRecorder("run-42")
	r.ObserveEvaluation(0.5)

	server := httptest.NewServer(r.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, `gnas_evaluations_total{run_id="run-42"} 1`), text)
	require.True(t, strings.Contains(text, "gnas_evaluation_loss_bucket"), text)
}

func TestRecorderRegistryIsPrivate(t *testing.T) {
	a := NewRecorder("a")
	b := NewRecorder("b")
	a.ObserveTrainLoss(1)
	require.Equal(t, 1.0, testutil.ToFloat64(a.trainSteps))
	require.Equal(t, 0.0, testutil.ToFloat64(b.trainSteps))
	count, err := testutil.GatherAndCount(a.Registry(), "gnas_train_steps_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
