package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGroupRoundTrip(t *testing.T) {
	m := CreateGroup{UserID: 5, Flags: GroupNeedPasswd, Name: "room", Passwd: "secret"}
	got, err := DecodeCreateGroup(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestCreateGroupAcceptsNamesUpToMax(t *testing.T) {
	longName := make([]byte, NameMax)
	for i := range longName {
		longName[i] = 'a'
	}
	m := CreateGroup{UserID: 1, Name: string(longName)}
	got, err := DecodeCreateGroup(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, string(longName), got.Name)
}

func TestGroupResultRoundTrip(t *testing.T) {
	m := GroupResult{GroupID: 9, TaskID: 3, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}}
	got, err := DecodeGroupResult(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.GroupID, got.GroupID)
	assert.Equal(t, m.TaskID, got.TaskID)
	assert.Equal(t, m.Addr.Port, got.Addr.Port)
	assert.True(t, m.Addr.IP.Equal(got.Addr.IP))
}

func TestListGroupResponseBudgetStopsEarly(t *testing.T) {
	var descs []GroupDescriptor
	for i := 0; i < 1000; i++ {
		descs = append(descs, GroupDescriptor{GroupID: uint32(i), Name: "group-name"})
	}
	body, n := EncodeListGroupResponse(descs, 200)
	assert.Less(t, n, len(descs))
	assert.LessOrEqual(t, len(body), 200)

	decoded, err := DecodeListGroupResponse(body)
	require.NoError(t, err)
	assert.Len(t, decoded, n)
	for i, d := range decoded {
		assert.Equal(t, descs[i].GroupID, d.GroupID)
		assert.Equal(t, descs[i].Name, d.Name)
	}
}

func TestHandleErrRoundTrip(t *testing.T) {
	m := HandleErr{ReqType: TypeJoinGroup, Reason: ReasonGroupFull}
	got, err := DecodeHandleErr(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestJoinLeaveGroupRoundTrip(t *testing.T) {
	j := JoinGroup{UserID: 1, GroupID: 2, Passwd: "pw"}
	gotJ, err := DecodeJoinGroup(j.Encode())
	require.NoError(t, err)
	assert.Equal(t, j, gotJ)

	l := LeaveGroup{UserID: 1, GroupID: 2}
	gotL, err := DecodeLeaveGroup(l.Encode())
	require.NoError(t, err)
	assert.Equal(t, l, gotL)
}
