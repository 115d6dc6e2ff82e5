package logstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/conductor/common/errs"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)

	encoded := encodeCursor(ts, "log-42")
	gotTS, gotID, err := decodeCursor(encoded)
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTS))
	assert.Equal(t, "log-42", gotID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for name, encoded := range map[string]string{
		"not base64": "%%%",
		"not json":   "bm90IGpzb24",
	} {
		_, _, err := decodeCursor(encoded)
		require.Error(t, err, name)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), name)
	}
}
