package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "orders.jsonl")
	j, err := NewJournal(path)
	require.NoError(t, err)

	entries, err := j.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, j.WriteOrder(Order{EpochKey: "1:5", Symbol: "INFY", Side: "BUY", Quantity: 3, Status: "ok", Timestamp: time.Now()}))
	require.NoError(t, j.WriteFill(Fill{EpochKey: "1:5", OrderID: "o-1", Symbol: "INFY", Side: "BUY", Status: "filled", Quantity: 3, Price: "1500.5"}))

	// malformed lines are skipped
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err = j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "order", entries[0].Type)
	assert.Equal(t, "fill", entries[1].Type)

	var fill Fill
	require.NoError(t, json.Unmarshal(entries[1].Data, &fill))
	assert.Equal(t, "1500.5", fill.Price)
	assert.Equal(t, int64(3), fill.Quantity)
}
