package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgagent/internal/models"
)

func TestStepStatusCodes(t *testing.T) {
	tests := []struct {
		code     string
		expected models.StepStatus
	}{
		{"r", models.StepRunning},
		{"f", models.StepFail},
		{"s", models.StepSucceed},
		{"d", models.StepAborted},
		{"i", models.StepIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, err := models.ParseStepStatusCode(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, status)
			assert.Equal(t, tt.code, status.Code())
		})
	}

	_, err := models.ParseStepStatusCode("x")
	assert.ErrorIs(t, err, models.ErrUnknownCode)
}

func TestJobStatusCodes(t *testing.T) {
	for _, status := range []models.JobStatus{models.JobRunning, models.JobFail, models.JobSucceed, models.JobAborted, models.JobIgnore} {
		decoded, err := models.ParseJobStatusCode(status.Code())
		require.NoError(t, err)
		assert.Equal(t, status, decoded)
	}

	_, err := models.ParseJobStatusCode("")
	assert.ErrorIs(t, err, models.ErrUnknownCode)

	assert.False(t, models.JobRunning.IsTerminal())
	assert.True(t, models.JobAborted.IsTerminal())
	assert.False(t, models.JobStatus("BOGUS").IsTerminal())
}

func TestParseStatusNames(t *testing.T) {
	status, err := models.ParseJobStatusName(" fail ")
	require.NoError(t, err)
	assert.Equal(t, models.JobFail, status)

	step, err := models.ParseStepStatusName("Aborted")
	require.NoError(t, err)
	assert.Equal(t, models.StepAborted, step)

	_, err = models.ParseStepStatusName("DONE")
	assert.ErrorIs(t, err, models.ErrUnknownCode)
}

func TestStepKindAndOnError(t *testing.T) {
	kind, err := models.ParseStepKindCode("b")
	require.NoError(t, err)
	assert.Equal(t, models.KindBatch, kind)

	_, err = models.ParseStepKindCode("q")
	assert.ErrorIs(t, err, models.ErrUnknownCode)

	tests := []struct {
		code   string
		policy models.OnError
		status models.StepStatus
	}{
		{"f", models.OnErrorFail, models.StepFail},
		{"s", models.OnErrorSucceed, models.StepSucceed},
		{"i", models.OnErrorIgnore, models.StepIgnore},
	}
	for _, tt := range tests {
		policy, err := models.ParseOnErrorCode(tt.code)
		require.NoError(t, err)
		assert.Equal(t, tt.policy, policy)
		assert.Equal(t, tt.status, policy.StepStatus())
		assert.Equal(t, tt.code, policy.Code())
	}

	_, err = models.ParseOnErrorCode("")
	assert.ErrorIs(t, err, models.ErrUnknownCode)
}
