package slayers

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

const testModeratorID = "mod"

func newSlashInteraction(
	member *discordgo.Member,
	command string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction_" + command,
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: testGeneralChannel,
			Member:    member,
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    command,
				Options: options,
			},
		},
	}
}

func moderatorMember() *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: testModeratorID, Username: "moderator"},
		Roles: []string{testHighCommandRole},
	}
}

func plainMember(userID string) *discordgo.Member {
	return &discordgo.Member{
		User:  &discordgo.User{ID: userID, Username: "user_" + userID},
		Roles: []string{testRoleID},
	}
}

// runInteraction handles the interaction and returns the content of the
// edited response
func runInteraction(
	t testing.TB,
	bot *Bot,
	session *fakeGuildSession,
	i *discordgo.InteractionCreate,
) *discordgo.WebhookEdit {
	t.Helper()
	before := len(session.interactionEdits())
	bot.handleInteraction(context.Background(), i)
	edits := session.interactionEdits()
	require.Len(t, edits, before+1)
	return edits[len(edits)-1]
}

func editContent(edit *discordgo.WebhookEdit) string {
	if edit.Content == nil {
		return ""
	}
	return *edit.Content
}

func TestIsPrivileged(t *testing.T) {
	bot, _ := newTestBot(t)

	assert.False(t, bot.isPrivileged(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
	assert.False(t, bot.isPrivileged(newSlashInteraction(plainMember("100"), "x")))
	assert.True(t, bot.isPrivileged(newSlashInteraction(moderatorMember(), "x")))

	admin := plainMember("admin")
	admin.Permissions = discordgo.PermissionAdministrator
	assert.True(t, bot.isPrivileged(newSlashInteraction(admin, "x")))

	bot.config.Requests.HighCommandRoleID = ""
	assert.False(t, bot.isPrivileged(newSlashInteraction(moderatorMember(), "x")))
}

func TestHandleInteraction_Ignored(t *testing.T) {
	bot, session := newTestBot(t)

	component := newSlashInteraction(plainMember("100"), SlashCommandSlayerList)
	component.Type = discordgo.InteractionMessageComponent
	component.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}
	bot.handleInteraction(context.Background(), component)

	botUser := plainMember("b")
	botUser.User.Bot = true
	bot.handleInteraction(context.Background(), newSlashInteraction(botUser, SlashCommandSlayerList))

	bot.handleInteraction(context.Background(), nil)

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.responses)
	assert.Empty(t, session.edits)
}

func TestSlashSlayerList(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "Jon Snow | 1", testRoleID)
	session.addMember("101", "arya", "", testRoleID)
	session.addMember("102", "sansa", "Sansa | 3")

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(plainMember("100"), SlashCommandSlayerList),
	)

	session.mu.Lock()
	require.Len(t, session.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		session.responses[0].Type,
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, session.responses[0].Data.Flags)
	session.mu.Unlock()

	require.NotNil(t, edit.Embeds)
	embeds := *edit.Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Slayers (2) - page 1/1", embeds[0].Title)
	assert.Equal(t, "• arya (<@101>)\n• Jon Snow | 1 (<@100>)", embeds[0].Description)
}

func TestSlashSlayerList_Empty(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("102", "sansa", "Sansa | 3")

	resp, err := bot.slayerList(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "No slayers found.", resp.Content)
	assert.Empty(t, resp.Embeds)
}

func TestSlashSlayerList_Pages(t *testing.T) {
	bot, session := newTestBot(t)
	const holders = 260
	for n := 0; n < holders; n++ {
		session.addMember(fmt.Sprintf("u%03d", n), fmt.Sprintf("member%03d", n), "", testRoleID)
	}

	resp, err := bot.slayerList(context.Background(), testGuildID)
	require.NoError(t, err)
	require.Len(t, resp.Embeds, maxEmbedsPerMessage)
	assert.Equal(t, "Slayers (260) - page 1/11", resp.Embeds[0].Title)
	assert.Len(t, strings.Split(resp.Embeds[0].Description, "\n"), slayerListPageSize)
	assert.Equal(
		t,
		"Showing 250 of 260 slayers. Use /export_slayers for the full list.",
		resp.Content,
	)
}

func TestSlashExportSlayers(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "Jon Snow | 1", testRoleID)
	session.addMember("101", "arya", "Arya | 2", testRoleID)
	session.addMember("103", "hodor", "hodor", testRoleID)
	session.addMember("102", "sansa", "Sansa | 3")

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandExportSlayers),
	)
	assert.Equal(t, "Exported 2 slayers", editContent(edit))
	require.Len(t, edit.Files, 1)
	assert.Equal(t, exportFilename, edit.Files[0].Name)
	assert.Equal(t, "text/csv", edit.Files[0].ContentType)

	records, err := csv.NewReader(edit.Files[0].Reader).ReadAll()
	require.NoError(t, err)
	assert.Equal(
		t,
		[][]string{
			exportHeader,
			{"Arya", "2", "arya"},
			{"Jon Snow", "1", "jon"},
		},
		records,
	)
}

func TestSlashPrivilegedCommands(t *testing.T) {
	bot, session := newTestBot(t)

	for _, command := range privilegedCommands {
		edit := runInteraction(
			t,
			bot,
			session,
			newSlashInteraction(plainMember("100"), command),
		)
		assert.Equal(t, "❌ "+errNotPrivileged.Error(), editContent(edit), command)
	}
}

func TestSlashCommandErrors(t *testing.T) {
	bot, session := newTestBot(t)

	noGuild := newSlashInteraction(plainMember("100"), SlashCommandSlayerList)
	noGuild.GuildID = ""
	edit := runInteraction(t, bot, session, noGuild)
	assert.Equal(t, "❌ this command can only be used in a server", editContent(edit))

	edit = runInteraction(t, bot, session, newSlashInteraction(plainMember("100"), "nope"))
	assert.Equal(t, "❌ unknown command: nope", editContent(edit))

	edit = runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandRemoveSlayer),
	)
	assert.Equal(t, "❌ "+errNoMemberGiven.Error(), editContent(edit))

	session.mu.Lock()
	session.membersErr = fmt.Errorf("rate limited")
	session.mu.Unlock()
	edit = runInteraction(t, bot, session, newSlashInteraction(plainMember("100"), SlashCommandSlayerList))
	assert.Contains(t, editContent(edit), "rate limited")
}

func memberOption(userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  slashOptionMember,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func TestSlashRemoveSlayer(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "Jon Snow | 1", testRoleID)
	require.NoError(
		t,
		bot.registry.SaveMember(
			context.Background(),
			MemberRecord{SubmitterID: "100", Name: "Jon Snow", GameID: "1"},
		),
	)

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandRemoveSlayer, memberOption("100")),
	)
	assert.Equal(t, "✅ Removed the slayer role from <@100>", editContent(edit))
	assert.NotContains(t, session.member("100").Roles, testRoleID)

	_, err := bot.registry.GetMember(context.Background(), "100")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	dms := session.dms("100")
	require.Len(t, dms, 1)
	assert.Contains(t, dms[0].Content, "slayer role has been removed")

	adminLog := session.channelMessages(testAdminLogChannel)
	require.Len(t, adminLog, 1)
	assert.Equal(
		t,
		"🗑️ <@mod> removed the slayer role from <@100> (record deleted: true)",
		adminLog[0].Content,
	)
}

func TestSlashRemoveSlayer_DMClosed(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "Jon Snow | 1", testRoleID)
	session.closeDMs("100")

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandRemoveSlayer, memberOption("100")),
	)
	assert.Equal(
		t,
		"✅ Removed the slayer role from <@100> (they couldn't be notified by DM)",
		editContent(edit),
	)
	adminLog := session.channelMessages(testAdminLogChannel)
	require.Len(t, adminLog, 1)
	assert.Contains(t, adminLog[0].Content, "(record deleted: false)")
}

func TestSlashRemoveSlayer_UnknownMember(t *testing.T) {
	bot, session := newTestBot(t)

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandRemoveSlayer, memberOption("404")),
	)
	assert.True(t, strings.HasPrefix(editContent(edit), "❌ unable to remove role"))
	assert.Empty(t, session.channelMessages(testAdminLogChannel))
}

func TestSlashDMNameNotice(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "Jon Snow | 1", testRoleID)
	session.addMember("101", "arya", "", testRoleID)
	session.addMember("103", "hodor", "hodor", testRoleID)
	session.addMember("104", "bran", "bran", testRoleID)
	session.addMember("105", "sansa", "sansa")
	session.closeDMs("104")

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandDMNameNotice),
	)
	assert.Equal(t, "📨 Name notice sent to 2 members, 1 failed", editContent(edit))

	assert.Empty(t, session.dms("100"))
	assert.Empty(t, session.dms("105"))
	for _, id := range []string{"101", "103"} {
		dms := session.dms(id)
		require.Len(t, dms, 1, id)
		assert.Equal(t, defaultNameNotice(testRequestChannel), dms[0].Content)
		assert.Contains(t, dms[0].Content, "<#"+testRequestChannel+">")
	}
}

func TestSlashDMNameNotice_CustomMessage(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("101", "arya", "", testRoleID)

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(
			moderatorMember(),
			SlashCommandDMNameNotice,
			&discordgo.ApplicationCommandInteractionDataOption{
				Name:  slashOptionMessage,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "please fix your name",
			},
		),
	)
	assert.Equal(t, "📨 Name notice sent to 1 member, 0 failed", editContent(edit))
	dms := session.dms("101")
	require.Len(t, dms, 1)
	assert.Equal(t, "please fix your name", dms[0].Content)
}

func seedRequestLogs(t testing.TB, bot *Bot, now time.Time) {
	t.Helper()
	logs := []RequestLog{
		{MessageID: "1", SubmitterID: "100", Accepted: true, ReceivedAt: now.UnixMilli()},
		{MessageID: "2", SubmitterID: "101", Accepted: true, ReceivedAt: now.UnixMilli()},
		{
			MessageID:   "3",
			SubmitterID: "100",
			Reason:      string(ReasonCooldown),
			ReceivedAt:  now.Add(-time.Hour).UnixMilli(),
		},
		{
			MessageID:   "4",
			SubmitterID: "102",
			Reason:      string(ReasonFormat),
			ReceivedAt:  now.Add(-48 * time.Hour).UnixMilli(),
		},
		{
			MessageID:   "5",
			SubmitterID: "102",
			Reason:      string(ReasonFormat),
			ReceivedAt:  now.Add(-72 * time.Hour).UnixMilli(),
		},
	}
	for i := range logs {
		_, err := bot.writeDB.Create(context.Background(), &logs[i])
		require.NoError(t, err)
	}
	require.NoError(
		t,
		bot.registry.SaveMember(
			context.Background(),
			MemberRecord{SubmitterID: "100", Name: "Jon Snow", GameID: "1"},
		),
	)
}

func TestGetRequestStats(t *testing.T) {
	bot, _ := newTestBot(t)
	now := time.Now()
	seedRequestLogs(t, bot, now)

	stats, err := getRequestStats(context.Background(), bot.db, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(
		t,
		map[string]int64{string(ReasonCooldown): 1, string(ReasonFormat): 2},
		stats.Rejected,
	)
	assert.Equal(t, int64(3), stats.Last24Hours)
	assert.Equal(t, int64(1), stats.Members)
}

func TestRecentRequests(t *testing.T) {
	bot, _ := newTestBot(t)
	seedRequestLogs(t, bot, time.Now())

	logs, err := recentRequests(context.Background(), bot.db, "100", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "3", logs[0].MessageID)
	assert.Equal(t, "1", logs[1].MessageID)

	logs, err = recentRequests(context.Background(), bot.db, "100", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	logs, err = recentRequests(context.Background(), bot.db, "nobody", 10)
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestSlashNameChangeStats(t *testing.T) {
	bot, session := newTestBot(t)
	seedRequestLogs(t, bot, time.Now())

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(plainMember("100"), SlashCommandNameChangeStats),
	)
	require.NotNil(t, edit.Embeds)
	embeds := *edit.Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "Name Change Stats", embeds[0].Title)

	values := map[string]string{}
	for _, f := range embeds[0].Fields {
		values[f.Name] = f.Value
	}
	assert.Equal(t, "5", values["Total"])
	assert.Equal(t, "2", values["Accepted"])
	assert.Equal(t, "3", values["Last 24 Hours"])
	assert.Equal(t, "1", values["Registered"])
	assert.Equal(t, "1", values["Rejected: cooldown"])
	assert.Equal(t, "2", values["Rejected: format"])
	assert.Equal(t, "0", values["Rejected: duplicate"])
}

func TestSlashRebuildRegistry(t *testing.T) {
	bot, session := newTestBot(t)
	session.addMember("100", "jon", "Jon Snow | 1", testRoleID)
	session.addMember("101", "arya", "Arya | 2")
	session.addMember("102", "hodor", "hodor", testRoleID)
	require.NoError(
		t,
		bot.registry.SaveMember(
			context.Background(),
			MemberRecord{SubmitterID: "100", Name: "Jon", GameID: "9", Rank: "3"},
		),
	)

	edit := runInteraction(
		t,
		bot,
		session,
		newSlashInteraction(moderatorMember(), SlashCommandRebuildRegistry),
	)
	assert.Equal(t, "✅ Registry rebuilt from 2 nicknames", editContent(edit))

	records, err := bot.registry.ListMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Arya", records[0].Name)
	assert.Equal(t, "2", records[0].GameID)
	assert.Equal(t, "arya", records[0].Username)
	assert.Equal(t, "Jon Snow", records[1].Name)
	assert.Equal(t, "1", records[1].GameID)
	assert.Equal(t, "3", records[1].Rank)
	assert.Equal(t, testGuildID, records[1].GuildID)
}
