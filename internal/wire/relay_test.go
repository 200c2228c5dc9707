package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripCommand(t *testing.T) {
	e := Envelope{TaskID: 1, UserID: 2, Inner: InnerCommand, Payload: []byte("move forward")}
	got, err := DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, e.TaskID, got.TaskID)
	assert.Equal(t, e.UserID, got.UserID)
	assert.Equal(t, e.Inner, got.Inner)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestEnvelopeRoundTripStateImageWithFragmentFields(t *testing.T) {
	e := Envelope{
		TaskID: 1, UserID: 2, Inner: InnerStateImage,
		FragSeq: 5, FragOfs: 512, FragLen: 10, MoreFrags: true,
		Payload: []byte("0123456789"),
	}
	got, err := DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, e.FragSeq, got.FragSeq)
	assert.Equal(t, e.FragOfs, got.FragOfs)
	assert.Equal(t, e.FragLen, got.FragLen)
	assert.Equal(t, e.MoreFrags, got.MoreFrags)
	assert.Equal(t, e.Payload, got.Payload)
}

func TestEnvelopeTerminalFragmentClearsMoreFlag(t *testing.T) {
	e := Envelope{Inner: InnerStateImage, FragSeq: 1, MoreFrags: false, Payload: []byte("end")}
	got, err := DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	assert.False(t, got.MoreFrags)
}
