package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentReturnsChronologicalOrder(t *testing.T) {
	r := NewTraceRing(10)
	r.Add(Trace{MessageID: "1", ClientID: "c1"})
	r.Add(Trace{MessageID: "2", ClientID: "c1"})
	r.Add(Trace{MessageID: "3", ClientID: "c2"})

	all := r.Recent("")
	require.Len(t, all, 3)
	assert.Equal(t, "1", all[0].MessageID)
	assert.Equal(t, "3", all[2].MessageID)
}

func TestRecentFiltersByClientID(t *testing.T) {
	r := NewTraceRing(10)
	r.Add(Trace{MessageID: "1", ClientID: "c1"})
	r.Add(Trace{MessageID: "2", ClientID: "c2"})
	r.Add(Trace{MessageID: "3", ClientID: "c1"})

	c1 := r.Recent("c1")
	require.Len(t, c1, 2)
	assert.Equal(t, "1", c1[0].MessageID)
	assert.Equal(t, "3", c1[1].MessageID)
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	r := NewTraceRing(3)
	for i := 0; i < 5; i++ {
		r.Add(Trace{MessageID: string(rune('a' + i))})
	}

	all := r.Recent("")
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].MessageID)
	assert.Equal(t, "d", all[1].MessageID)
	assert.Equal(t, "e", all[2].MessageID)
}

func TestClearResetsRing(t *testing.T) {
	r := NewTraceRing(5)
	r.Add(Trace{MessageID: "1"})
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Recent(""))
}
