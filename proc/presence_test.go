package proc

import (
	"context"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (n *noticeRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

func newPresenceFixture(t *testing.T) (*MusicSystem, *MusicSession, *fakeSink, *noticeRecorder) {
	t.Helper()
	sess, sink, rec := newTestSession(cachedFetch)
	sess.ChannelID = snowflake.ID(42)
	ms := &MusicSystem{sessions: map[snowflake.ID]*MusicSession{sess.GuildID: sess}}
	t.Cleanup(func() { sess.teardown(context.Background()) })
	return ms, sess, sink, rec
}

func memberUpdate(guildID snowflake.ID, humans *int) presenceUpdate {
	return presenceUpdate{
		guildID:     guildID,
		countHumans: func(snowflake.ID) int { return *humans },
	}
}

func TestPresence_EmptyChannelPausesAndArmsOnce(t *testing.T) {
	ms, sess, _, rec := newPresenceFixture(t)
	sess.mu.Lock()
	sess.state = StatePlaying
	sess.mu.Unlock()

	humans := 0
	applyPresence(ms, memberUpdate(sess.GuildID, &humans))

	assert.Equal(t, StatePaused, sess.State())
	notices := rec.all()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "Paused")

	// A second update while the channel stays empty neither pauses again
	// nor arms a second timer.
	applyPresence(ms, memberUpdate(sess.GuildID, &humans))
	assert.Equal(t, StatePaused, sess.State())
	assert.Len(t, rec.all(), 1)
	assert.False(t, sess.armDisconnectTimer(time.Hour, func() {}), "exactly one timer outstanding")
}

func TestPresence_RejoinCancelsTimerWithoutResume(t *testing.T) {
	ms, sess, _, rec := newPresenceFixture(t)
	sess.mu.Lock()
	sess.state = StatePlaying
	sess.mu.Unlock()

	humans := 0
	applyPresence(ms, memberUpdate(sess.GuildID, &humans))
	require.Equal(t, StatePaused, sess.State())

	humans = 1
	applyPresence(ms, memberUpdate(sess.GuildID, &humans))

	assert.Equal(t, StatePaused, sess.State(), "a returning listener never auto-resumes")
	assert.False(t, sess.cancelDisconnectTimer(), "timer was already disarmed")

	notices := rec.all()
	require.Len(t, notices, 2)
	assert.Contains(t, notices[1], "Welcome back")

	// Another membership update with listeners present stays quiet.
	applyPresence(ms, memberUpdate(sess.GuildID, &humans))
	assert.Len(t, rec.all(), 2)
}

func TestPresence_IdleSessionStillArmsTimer(t *testing.T) {
	ms, sess, _, rec := newPresenceFixture(t)

	humans := 0
	applyPresence(ms, memberUpdate(sess.GuildID, &humans))

	assert.Equal(t, StateIdle, sess.State())
	assert.Empty(t, rec.all(), "nothing was playing, so no pause notice")
	assert.True(t, sess.cancelDisconnectTimer(), "timer was armed")
}

func TestPresence_BotDisconnectTearsDownSession(t *testing.T) {
	ms, sess, sink, _ := newPresenceFixture(t)

	applyPresence(ms, presenceUpdate{guildID: sess.GuildID, fromBot: true, botChannel: nil})

	assert.Nil(t, ms.GetSession(sess.GuildID))
	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)
}

func TestPresence_BotChannelMoveUpdatesSession(t *testing.T) {
	ms, sess, _, _ := newPresenceFixture(t)

	moved := snowflake.ID(77)
	applyPresence(ms, presenceUpdate{guildID: sess.GuildID, fromBot: true, botChannel: &moved})

	sess.mu.Lock()
	channelID := sess.ChannelID
	sess.mu.Unlock()
	assert.Equal(t, moved, channelID)
}

func TestAutoDisconnect_RechecksMembershipBeforeLeaving(t *testing.T) {
	ms, sess, _, rec := newPresenceFixture(t)

	humans := 1
	autoDisconnect(ms, sess.GuildID, func(snowflake.ID) int { return humans })
	assert.NotNil(t, ms.GetSession(sess.GuildID), "listeners came back before the timer fired")

	humans = 0
	autoDisconnect(ms, sess.GuildID, func(snowflake.ID) int { return humans })
	assert.Nil(t, ms.GetSession(sess.GuildID))

	notices := rec.all()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "queue is saved")
}
