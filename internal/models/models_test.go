package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatParticipants(t *testing.T) {
	chat := Chat{CompanyID: "c1", PlayerID: "p1"}

	assert.True(t, chat.IsParticipant("c1"))
	assert.True(t, chat.IsParticipant("p1"))
	assert.False(t, chat.IsParticipant("x"))
	assert.False(t, chat.IsParticipant(""))
	assert.Equal(t, "p1", chat.OtherParticipant("c1"))
	assert.Equal(t, "c1", chat.OtherParticipant("p1"))
	assert.ElementsMatch(t, []string{"p1", "c1"}, chat.ParticipantIDs())
}

func TestDeletedByScanValue(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := DeletedBy{"u1": at}

	raw, err := in.Value()
	require.NoError(t, err)

	var out DeletedBy
	require.NoError(t, out.Scan(raw))
	assert.True(t, out["u1"].Equal(at))

	require.NoError(t, out.Scan(nil))
	assert.Empty(t, out)
}

func TestCloneIsolatesDeletedBy(t *testing.T) {
	chat := Chat{DeletedBy: DeletedBy{"u1": time.Now()}}
	cp := chat.Clone()
	cp.DeletedBy["u2"] = time.Now()

	assert.Len(t, chat.DeletedBy, 1)
	assert.Len(t, cp.DeletedBy, 2)
}
