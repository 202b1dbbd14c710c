//go:build windows

package step_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgagent/internal/models"
	"pgagent/internal/step"
)

func batchRow(code, onError string) models.StepRow {
	return models.StepRow{
		ID:          11,
		Name:        "export",
		KindCode:    "b",
		Code:        code,
		OnErrorCode: onError,
	}
}

func TestBatchStepSucceeds(t *testing.T) {
	s, err := step.New(newDeps(&fakeConnector{}, newFakeLogger()), step.JobRef{ID: 1}, batchRow(
		"@echo off\necho first\necho second\n", "f"))
	require.NoError(t, err)
	defer s.Close()

	s.Run(context.Background())

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, models.StepSucceed, res.Status)
	assert.Equal(t, 0, res.Code)
}

func TestPreemptKillsProcessTree(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started")
	// the background ping inherits the output pipe, so Run only returns once it is gone too
	s, err := step.New(newDeps(&fakeConnector{}, newFakeLogger()), step.JobRef{ID: 1}, batchRow(
		"@echo off\nstart /b ping -n 30 127.0.0.1\necho started> \""+marker+"\"\nping -n 30 127.0.0.1 >nul\n", "s"))
	require.NoError(t, err)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	s.Preempt()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("preempted script tree did not exit")
	}

	res, _ := s.Result()
	assert.Equal(t, models.StepAborted, res.Status)
	assert.Equal(t, -1, res.Code)
}
