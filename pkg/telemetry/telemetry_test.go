package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cesuratx/doser-go/pkg/doser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortReasonStringNilOnSuccess(t *testing.T) {
	assert.Nil(t, AbortReasonString(nil))
}

func TestAbortReasonStringMapsKnownReasons(t *testing.T) {
	cases := map[doser.AbortReason]string{
		doser.AbortEstop:       "Estop",
		doser.AbortNoProgress:  "NoProgress",
		doser.AbortMaxRuntime:  "MaxRuntime",
		doser.AbortOvershoot:   "Overshoot",
		doser.AbortMaxAttempts: "MaxAttempts",
	}
	for reason, want := range cases {
		err := &doser.AbortError{Reason: reason}
		got := AbortReasonString(err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)
	}
}

func TestAbortReasonStringFallsBackToErrorForOpaqueErrors(t *testing.T) {
	got := AbortReasonString(errors.New("boom"))
	require.NotNil(t, got)
	assert.Equal(t, "Error", *got)
}

func TestWriterEmitsOneJSONLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	final := 100.0
	require.NoError(t, w.Write(Record{Timestamp: 1, TargetG: 100, DurationMs: 500, FinalG: &final, Profile: "dose"}))
	require.NoError(t, w.Write(Record{Timestamp: 2, TargetG: 50, DurationMs: 200, Profile: "dose"}))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, int64(1), rec.Timestamp)
	require.NotNil(t, rec.FinalG)
	assert.Equal(t, 100.0, *rec.FinalG)
}

func TestRecordEncodesMissingFinalGAsNull(t *testing.T) {
	data, err := json.Marshal(Record{Timestamp: 1, TargetG: 10})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"final_g":null`)
}
