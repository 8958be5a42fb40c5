package evaluator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/core/internal/prefilter"
	"github.com/firesentinel/core/internal/rules"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.NewEntry(logrus.New())
	return New(client, log), client
}

func seedHotEntry(t *testing.T, client *redis.Client, deviceID, sensorType string, entry hotEntry) {
	t.Helper()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, client.HSet(context.Background(), hotKeyPrefix+deviceID+":"+sensorType, entry.RuleID, data).Err())
}

func TestEvaluator_MatchesSimpleThreshold(t *testing.T) {
	e, client := newTestEvaluator(t)
	seedHotEntry(t, client, "dev-1", "temperature", hotEntry{RuleID: "r1", Operator: rules.OpGT, Threshold: 50})
	require.NoError(t, e.RefreshSnapshot(context.Background()))

	candidates := e.Evaluate(&prefilter.DataMessage{
		DeviceID: "dev-1",
		Readings: []prefilter.Reading{{Type: prefilter.Temperature, Value: 60}},
		Timestamp: time.Now().UnixMilli(),
	})

	require.Len(t, candidates, 1)
	assert.Equal(t, "r1", candidates[0].RuleID)
}

func TestEvaluator_NoMatchBelowThreshold(t *testing.T) {
	e, client := newTestEvaluator(t)
	seedHotEntry(t, client, "dev-1", "temperature", hotEntry{RuleID: "r1", Operator: rules.OpGT, Threshold: 50})
	require.NoError(t, e.RefreshSnapshot(context.Background()))

	candidates := e.Evaluate(&prefilter.DataMessage{
		DeviceID: "dev-1",
		Readings: []prefilter.Reading{{Type: prefilter.Temperature, Value: 30}},
	})
	assert.Empty(t, candidates)
}

func TestEvaluator_WindowSuppressesRepeat(t *testing.T) {
	e, client := newTestEvaluator(t)
	seedHotEntry(t, client, "dev-1", "temperature", hotEntry{RuleID: "r1", Operator: rules.OpGT, Threshold: 50, WindowSeconds: 60})
	require.NoError(t, e.RefreshSnapshot(context.Background()))

	msg := &prefilter.DataMessage{DeviceID: "dev-1", Readings: []prefilter.Reading{{Type: prefilter.Temperature, Value: 60}}}

	first := e.Evaluate(msg)
	require.Len(t, first, 1)

	second := e.Evaluate(msg)
	assert.Empty(t, second, "second firing within window should be suppressed")
}

func TestEvaluator_MultipleRulesAllFire(t *testing.T) {
	e, client := newTestEvaluator(t)
	seedHotEntry(t, client, "dev-1", "temperature", hotEntry{RuleID: "r1", Operator: rules.OpGT, Threshold: 50})
	seedHotEntry(t, client, "dev-1", "temperature", hotEntry{RuleID: "r2", Operator: rules.OpGT, Threshold: 10})
	require.NoError(t, e.RefreshSnapshot(context.Background()))

	candidates := e.Evaluate(&prefilter.DataMessage{
		DeviceID: "dev-1",
		Readings: []prefilter.Reading{{Type: prefilter.Temperature, Value: 60}},
	})
	assert.Len(t, candidates, 2)
}

func TestEvaluator_EqualityUsesEpsilon(t *testing.T) {
	e, client := newTestEvaluator(t)
	seedHotEntry(t, client, "dev-1", "co", hotEntry{RuleID: "r1", Operator: rules.OpEQ, Threshold: 100})
	require.NoError(t, e.RefreshSnapshot(context.Background()))

	candidates := e.Evaluate(&prefilter.DataMessage{
		DeviceID: "dev-1",
		Readings: []prefilter.Reading{{Type: prefilter.CO, Value: 100}},
	})
	assert.Len(t, candidates, 1)
}
