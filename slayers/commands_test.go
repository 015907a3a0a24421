package slayers

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

const testGeneralChannel = "700000000000000030"

func TestParseCleanupAmount(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"!cleanup":       cleanupDefaultAmount,
		"!cleanup 5":     5,
		"!cleanup 100":   100,
		"!cleanup 500":   cleanupMaxAmount,
		"!cleanup 0":     cleanupDefaultAmount,
		"!cleanup -3":    cleanupDefaultAmount,
		"!cleanup lots":  cleanupDefaultAmount,
		"!CLEANUP  25  ": 25,
	}
	for content, expected := range tests {
		assert.Equal(t, expected, parseCleanupAmount(content), content)
	}
}

func TestHandleMessageCreate_RequestChannel(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "")

	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("m1", testRequestChannel, "100", "Name: Jon Snow\nID: 445566"),
	)
	require.Eventually(
		t,
		func() bool { return session.member("100").Nick == "Jon Snow | 445566" },
		5*time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, int64(1), bot.discord.metricMessagesHandled.Load())

	require.Eventually(
		t,
		func() bool { return len(session.sentReactions()) == 1 },
		5*time.Second,
		10*time.Millisecond,
	)
	reaction := session.sentReactions()[0]
	assert.Equal(t, emojiAccepted, reaction.Emoji)
	assert.Equal(t, "m1", reaction.MessageID)
	assert.Equal(t, testRequestChannel, reaction.ChannelID)
}

func TestHandleMessageCreate_DMFallback(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "")
	session.closeDMs("100")

	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("m1", testRequestChannel, "100", "just some random text"),
	)
	require.Eventually(
		t,
		func() bool { return len(requestLogs(t, bot)) == 1 },
		5*time.Second,
		10*time.Millisecond,
	)

	entry := requestLogs(t, bot)[0]
	assert.Equal(t, string(ReasonFormat), entry.Reason)
	assert.Equal(t, 1, entry.DeliveryFailures)

	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, testRequestChannel, replies[0].ChannelID)
	assert.Equal(t, "m1", replies[0].Reference.MessageID)
	assert.Contains(t, replies[0].Content, "<@100>")
	assert.Empty(t, session.dms("100"))
}

func TestHandleMessageCreate_IgnoresBots(t *testing.T) {
	bot, session := newTestBot(t)

	m := newDiscordMessage("m1", testRequestChannel, "999", "Jon Snow\n445566")
	m.Author.Bot = true
	bot.handleMessageCreate(context.Background(), m)
	bot.handleMessageCreate(context.Background(), nil)
	bot.handleMessageCreate(context.Background(), &discordgo.MessageCreate{})

	assert.Zero(t, bot.discord.metricMessagesHandled.Load())
	assert.Zero(t, bot.submitterWorkerCount())
	assert.Empty(t, session.sentReplies())
}

func TestPingCommand(t *testing.T) {
	bot, session := newTestBot(t)

	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("m1", testGeneralChannel, "100", "!ping"),
	)
	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.True(t, strings.HasPrefix(replies[0].Content, "🏓 Pong! Latency: "))
	assert.Contains(t, replies[0].Content, "Gateway: 42ms")
	assert.Equal(t, "m1", replies[0].Reference.MessageID)
}

func TestHelpCommand(t *testing.T) {
	bot, session := newTestBot(t)

	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("m1", testGeneralChannel, "100", "!HELP"),
	)
	sent := session.channelMessages(testGeneralChannel)
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Embeds, 1)
	embed := sent[0].Embeds[0]
	assert.Equal(t, "🤖 Bot Commands", embed.Title)
	assert.Contains(t, embed.Fields[0].Value, "<#"+testRequestChannel+">")
	require.NotNil(t, sent[0].Reference)
	assert.Equal(t, "m1", sent[0].Reference.MessageID)
}

func TestMentionGreeting(t *testing.T) {
	bot, session := newTestBot(t)

	m := newDiscordMessage("m1", testGeneralChannel, "100", "hello bot")
	m.Mentions = []*discordgo.User{{ID: testApplicationID}}
	bot.handleMessageCreate(context.Background(), m)

	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, mentionGreeting, replies[0].Content)

	// other messages outside the request channel are ignored
	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("m2", testGeneralChannel, "100", "hello everyone"),
	)
	assert.Len(t, session.sentReplies(), 1)
}

func seedChannelHistory(session *fakeGuildSession, channelID string, recent, old int) {
	session.mu.Lock()
	defer session.mu.Unlock()
	now := time.Now()
	for i := 0; i < recent; i++ {
		session.channelHistory[channelID] = append(
			session.channelHistory[channelID],
			&discordgo.Message{
				ID:        fmt.Sprintf("recent_%d", i),
				ChannelID: channelID,
				Timestamp: now.Add(-time.Duration(i) * time.Minute),
			},
		)
	}
	for i := 0; i < old; i++ {
		session.channelHistory[channelID] = append(
			session.channelHistory[channelID],
			&discordgo.Message{
				ID:        fmt.Sprintf("old_%d", i),
				ChannelID: channelID,
				Timestamp: now.Add(-20 * 24 * time.Hour),
			},
		)
	}
}

func TestCleanupCommand(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("mod", "mod", "", testHighCommandRole)
	seedChannelHistory(session, testGeneralChannel, 5, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bot.handleMessageCreate(
		ctx,
		newDiscordMessage("cmd", testGeneralChannel, "mod", "!cleanup 10"),
	)

	assert.Equal(t, []string{"cmd"}, session.deletedMessages())
	session.mu.Lock()
	bulk := session.bulkDeleted
	session.mu.Unlock()
	require.Len(t, bulk, 1)
	assert.Equal(
		t,
		[]string{"recent_0", "recent_1", "recent_2", "recent_3", "recent_4"},
		bulk[0],
	)

	sent := session.channelMessages(testGeneralChannel)
	require.Len(t, sent, 1)
	assert.Equal(t, "🧹 Deleted 5 messages", sent[0].Content)

	// the confirmation is removed once the context is done
	cancel()
	bot.runtimeWG.Wait()
	assert.Contains(t, session.deletedMessages(), "sent_1")
}

func TestCleanupCommand_SingleMessage(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("admin", "admin", "", "admin_role")
	seedChannelHistory(session, testGeneralChannel, 3, 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bot.handleMessageCreate(
		ctx,
		newDiscordMessage("cmd", testGeneralChannel, "admin", "!cleanup 1"),
	)
	assert.Equal(t, []string{"cmd", "recent_0"}, session.deletedMessages())

	sent := session.channelMessages(testGeneralChannel)
	require.Len(t, sent, 1)
	assert.Equal(t, "🧹 Deleted 1 message", sent[0].Content)
}

func TestCleanupCommand_Unauthorized(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "", testRoleID)
	seedChannelHistory(session, testGeneralChannel, 5, 0)

	bot.handleMessageCreate(
		context.Background(),
		newDiscordMessage("cmd", testGeneralChannel, "100", "!cleanup"),
	)
	assert.Empty(t, session.deletedMessages())
	assert.Empty(t, session.channelMessages(testGeneralChannel))
}
