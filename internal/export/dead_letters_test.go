package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"wisefido-telemetry/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestGenerateDeadLetterWorkbook(t *testing.T) {
	letters := []models.DeadLetter{
		{
			ID: "dl-1", Sink: "webhook", Kind: models.DeadLetterKindAlert, Key: "evt-1",
			Payload: json.RawMessage(`{"event_id":"evt-1"}`), Error: "status 502", Attempts: 4,
			FailedAt: time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
		},
		{
			ID: "dl-2", Sink: "postgres-windows", Kind: models.DeadLetterKindWindow, Key: "DEV001@2024-01-01T12:00:00Z",
			Error: "evicted from full queue", Attempts: 0,
			FailedAt: time.Date(2024, 1, 1, 12, 6, 0, 0, time.UTC),
		},
	}

	data, err := GenerateDeadLetterWorkbook(letters)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{DeadLetterSheet}, f.GetSheetList())

	rows, err := f.GetRows(DeadLetterSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, deadLetterHeaders, rows[0])
	assert.Equal(t, "2024-01-01T12:05:00Z", rows[1][0])
	assert.Equal(t, "webhook", rows[1][1])
	assert.Equal(t, "4", rows[1][4])
	assert.Equal(t, `{"event_id":"evt-1"}`, rows[1][6])
	assert.Equal(t, "postgres-windows", rows[2][1])
	assert.Equal(t, "evicted from full queue", rows[2][5])
}

func TestGenerateDeadLetterWorkbook_Empty(t *testing.T) {
	data, err := GenerateDeadLetterWorkbook(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(DeadLetterSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
