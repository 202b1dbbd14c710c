package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgagent/internal/queue"
)

func TestParseKillPayload(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		expected    int64
		expectError bool
	}{
		{name: "bare id", payload: "42", expected: 42},
		{name: "bare id with spaces", payload: "  42\n", expected: 42},
		{name: "request document", payload: `{"job_id": 7, "reason": "stuck"}`, expected: 7},
		{name: "zero id", payload: "0", expectError: true},
		{name: "negative id", payload: "-3", expectError: true},
		{name: "document without id", payload: `{"reason": "stuck"}`, expectError: true},
		{name: "garbage", payload: "kill it", expectError: true},
		{name: "empty", payload: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := queue.ParseKillPayload(tt.payload)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, id)
		})
	}
}
