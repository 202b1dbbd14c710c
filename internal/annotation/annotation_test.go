package annotation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgagent/internal/annotation"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected map[string]string
	}{
		{
			name:     "empty text",
			text:     "",
			expected: map[string]string{},
		},
		{
			name:     "no directives",
			text:     "Nightly vacuum of the reporting tables",
			expected: map[string]string{},
		},
		{
			name: "directives in any order with whitespace",
			text: "Refresh views\n  @JOB_STEP_TIMEOUT = 5000\n@run_in_parallel=true\r\n\t@DATABASE_NAME=  reports ",
			expected: map[string]string{
				"JOB_STEP_TIMEOUT": "5000",
				"RUN_IN_PARALLEL":  "true",
				"DATABASE_NAME":    "reports",
			},
		},
		{
			name: "later duplicate wins",
			text: "@EMAIL_TO=a@example.com\n@EMAIL_TO=b@example.com",
			expected: map[string]string{
				"EMAIL_TO": "b@example.com",
			},
		},
		{
			name:     "inline at sign is not a directive",
			text:     "contact ops@example.com=now",
			expected: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, annotation.Parse(tt.text))
		})
	}
}

func TestSetTypedGetters(t *testing.T) {
	text := `
@RUN_IN_PARALLEL=true
@JOB_STEP_TIMEOUT=1500
@DATABASE_AUTH_QUERY=SELECT login, password FROM tenants
@EMAIL_ON=FAIL; ABORTED;
@NOT_A_THING=1
`
	set := annotation.New(annotation.StepDirectives, text)
	assert.Equal(t, 4, set.Len())
	assert.False(t, set.Has("NOT_A_THING"))

	parallel, found, err := set.Bool(annotation.RunInParallel)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, parallel)

	timeout, found, err := set.Duration(annotation.JobStepTimeout)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1500*time.Millisecond, timeout)

	query, found, err := set.String(annotation.DatabaseAuthQuery)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "SELECT login, password FROM tenants", query)

	on, found, err := set.List(annotation.EmailOn)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"FAIL", "ABORTED"}, on)

	_, found, err = set.String(annotation.DatabaseHost)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetErrorsAreIsolated(t *testing.T) {
	set := annotation.New(annotation.StepDirectives, "@RUN_IN_PARALLEL=maybe\n@JOB_STEP_TIMEOUT=2m")

	_, found, err := set.Bool(annotation.RunInParallel)
	assert.True(t, found)
	assert.Error(t, err)

	timeout, found, err := set.Duration(annotation.JobStepTimeout)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2*time.Minute, timeout)

	_, _, err = set.String(annotation.RunInParallel)
	assert.ErrorIs(t, err, annotation.ErrWrongKind)

	_, _, err = set.String(annotation.JobTimeout)
	assert.ErrorIs(t, err, annotation.ErrUnknownDirective)
}

func TestDurationDecoding(t *testing.T) {
	tests := []struct {
		raw      string
		expected time.Duration
		wantErr  bool
	}{
		{"3600000", time.Hour, false},
		{"250;", 250 * time.Millisecond, false},
		{"1h30m", 90 * time.Minute, false},
		{"-5", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			set := annotation.New(annotation.JobDirectives, "@JOB_TIMEOUT="+tt.raw)
			d, found, err := set.Duration(annotation.JobTimeout)
			assert.True(t, found)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}
