package frag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnrelay/turnrelay/internal/config"
	"github.com/turnrelay/turnrelay/internal/rerr"
	"github.com/turnrelay/turnrelay/internal/timer"
)

func TestSplitSingleFragmentWhenUnderMaxLen(t *testing.T) {
	payload := []byte("small payload")
	frags, err := Split(func() uint16 { return 1 }, payload, 1024)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.False(t, frags[0].More)
	assert.Equal(t, payload, frags[0].Data)
}

func TestSplitMultipleFragmentsLastHasMoreFalse(t *testing.T) {
	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}
	frags, err := Split(func() uint16 { return 1 }, payload, 10)
	require.NoError(t, err)
	require.Len(t, frags, 3)
	assert.True(t, frags[0].More)
	assert.True(t, frags[1].More)
	assert.False(t, frags[2].More)
	assert.Equal(t, uint32(0), frags[0].Offset)
	assert.Equal(t, uint32(10), frags[1].Offset)
	assert.Equal(t, uint32(20), frags[2].Offset)
}

func TestSplitRejectsOversizedPayload(t *testing.T) {
	orig := config.MaxPayloadLen
	config.MaxPayloadLen = 4
	defer func() { config.MaxPayloadLen = orig }()

	_, err := Split(func() uint16 { return 1 }, []byte("too long"), 10)
	assert.True(t, rerr.Of(err, rerr.InvalidInput))
}

func TestSplitEmptyPayloadProducesOneTerminalFragment(t *testing.T) {
	frags, err := Split(func() uint16 { return 1 }, nil, 10)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.False(t, frags[0].More)
	assert.Equal(t, uint32(0), frags[0].Length)
}

func TestReassemblerDeliversOnContiguousCompletion(t *testing.T) {
	svc := timer.New()
	defer svc.Close()
	r := New(svc)

	delivered := make(chan []byte, 1)
	r.Deliver = func(payload []byte) { delivered <- payload }

	payload := []byte("reassemble me please")
	frags, err := Split(func() uint16 { return 9 }, payload, 7)
	require.NoError(t, err)

	// Insert out of order to exercise offset-based reassembly.
	require.NoError(t, r.Insert(frags[2]))
	require.NoError(t, r.Insert(frags[0]))
	require.NoError(t, r.Insert(frags[1]))

	select {
	case got := <-delivered:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("reassembler never delivered")
	}
}

func TestReassemblerDropsDuplicateOffset(t *testing.T) {
	svc := timer.New()
	defer svc.Close()
	r := New(svc)
	r.Deliver = func([]byte) {}

	f := Fragment{ID: 1, Offset: 0, Length: 3, More: true, Data: []byte("abc")}
	require.NoError(t, r.Insert(f))
	err := r.Insert(f)
	assert.True(t, rerr.Of(err, rerr.InvalidInput))
}

func TestReassemblerRejectsTotalOverDataMaxLen(t *testing.T) {
	orig := config.DataMaxLen
	config.DataMaxLen = 4
	defer func() { config.DataMaxLen = orig }()

	svc := timer.New()
	defer svc.Close()
	r := New(svc)
	r.Deliver = func([]byte) { t.Fatal("an over-budget fragment set must not deliver") }

	// Single terminal fragment whose own length already exceeds the budget,
	// so completeness and the budget check both trip on the same Insert.
	err := r.Insert(Fragment{ID: 1, Offset: 0, Length: 5, More: false, Data: []byte("abcde")})
	assert.True(t, rerr.Of(err, rerr.InvalidInput))
}

func TestReassemblerExpiresAfterDeadline(t *testing.T) {
	orig := config.DefragTimeout
	config.DefragTimeout = 20 * time.Millisecond
	defer func() { config.DefragTimeout = orig }()

	svc := timer.New()
	defer svc.Close()
	r := New(svc)
	r.Deliver = func([]byte) { t.Fatal("incomplete fragment set must not deliver") }

	require.NoError(t, r.Insert(Fragment{ID: 1, Offset: 0, Length: 3, More: true, Data: []byte("abc")}))

	require.Eventually(t, func() bool {
		return r.TimeoutCount() == 1
	}, time.Second, 5*time.Millisecond)
}
