package slayers

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
	"time"
)

const (
	commandPing    = "!ping"
	commandCleanup = "!cleanup"
	commandHelp    = "!help"

	cleanupDefaultAmount = 10
	cleanupMaxAmount     = 100

	// bulk deletes only accept messages newer than two weeks
	bulkDeleteMaxAge = 14 * 24 * time.Hour

	cleanupConfirmationTTL = 3 * time.Second

	mentionGreeting = "👋 Hi! Use `!help` to see my commands."
	colorHelp       = 0x7289da
)

// handleMessageCreate routes a gateway message to the role request
// pipeline (when posted in the request channel), or to a message
// command
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	author := messageAuthor(m.Message)
	if author == nil || author.Bot {
		return
	}

	logger := b.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"author_id", author.ID,
	)
	ctx = WithLogger(ctx, logger)

	if m.ChannelID == b.config.Requests.ChannelID {
		b.discord.metricMessagesHandled.Add(1)
		req := NewRequest(m.Message)
		if err := b.enqueueRequest(b.runtimeContext(ctx), req); err != nil {
			logger.ErrorContext(ctx, "unable to queue request", tint.Err(err))
		}
		return
	}

	content := strings.TrimSpace(m.Content)
	lower := strings.ToLower(content)
	switch {
	case lower == commandPing:
		b.handlePingCommand(ctx, m.Message)
	case lower == commandCleanup || strings.HasPrefix(lower, commandCleanup+" "):
		b.handleCleanupCommand(ctx, m.Message, content)
	case lower == commandHelp:
		b.handleHelpCommand(ctx, m.Message)
	case messageMentionsUser(m.Message, b.config.Discord.ApplicationID):
		b.reply(ctx, m.Message, mentionGreeting)
	}
}

func (b *Bot) reply(ctx context.Context, m *discordgo.Message, content string) {
	_, err := b.session.ChannelMessageSendReply(
		m.ChannelID,
		content,
		m.Reference(),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		contextLoggerOr(ctx, b.logger).WarnContext(ctx, "unable to reply", tint.Err(err))
	}
}

// handlePingCommand replies with the time since the message was sent,
// and the gateway heartbeat latency
func (b *Bot) handlePingCommand(ctx context.Context, m *discordgo.Message) {
	latency := time.Since(m.Timestamp)
	if m.Timestamp.IsZero() || latency < 0 {
		latency = 0
	}
	b.reply(
		ctx,
		m,
		fmt.Sprintf(
			"🏓 Pong! Latency: %dms | Gateway: %dms",
			latency.Milliseconds(),
			b.session.HeartbeatLatency().Milliseconds(),
		),
	)
}

// parseCleanupAmount reads the optional message count from a `!cleanup`
// command, defaulting to cleanupDefaultAmount and capped at
// cleanupMaxAmount
func parseCleanupAmount(content string) int {
	fields := strings.Fields(content)
	if len(fields) < 2 {
		return cleanupDefaultAmount
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 1 {
		return cleanupDefaultAmount
	}
	return min(n, cleanupMaxAmount)
}

// handleCleanupCommand deletes the command message and the given number
// of messages before it. Requires Manage Messages.
func (b *Bot) handleCleanupCommand(ctx context.Context, m *discordgo.Message, content string) {
	logger := contextLoggerOr(ctx, b.logger)
	author := messageAuthor(m)

	standing, err := b.platform.Standing(ctx, m.GuildID, author.ID)
	if err != nil {
		logger.ErrorContext(ctx, "unable to check permissions", tint.Err(err))
		return
	}
	if !standing.ManageMessages {
		logger.WarnContext(ctx, "unauthorized cleanup attempt")
		return
	}

	amount := parseCleanupAmount(content)
	if err = b.session.ChannelMessageDelete(
		m.ChannelID,
		m.ID,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "unable to delete cleanup command", tint.Err(err))
	}

	messages, err := b.session.ChannelMessages(
		m.ChannelID,
		amount,
		m.ID,
		"",
		"",
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "unable to fetch messages", tint.Err(err))
		return
	}

	cutoff := time.Now().Add(-bulkDeleteMaxAge)
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if msg.Timestamp.After(cutoff) {
			ids = append(ids, msg.ID)
		}
	}

	switch len(ids) {
	case 0:
	case 1:
		err = b.session.ChannelMessageDelete(m.ChannelID, ids[0], discordgo.WithContext(ctx))
	default:
		err = b.session.ChannelMessagesBulkDelete(m.ChannelID, ids, discordgo.WithContext(ctx))
	}
	if err != nil {
		logger.ErrorContext(ctx, "unable to delete messages", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "cleaned up messages", "requested", amount, "deleted", len(ids))

	confirmation, err := b.session.ChannelMessageSend(
		m.ChannelID,
		fmt.Sprintf("🧹 Deleted %s", pluralize(len(ids), "message")),
		discordgo.WithContext(ctx),
	)
	if err != nil || confirmation == nil {
		return
	}
	b.runtimeWG.Add(1)
	go func() {
		defer b.runtimeWG.Done()
		timer := time.NewTimer(cleanupConfirmationTTL)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		_ = b.session.ChannelMessageDelete(confirmation.ChannelID, confirmation.ID)
	}()
}

func (b *Bot) handleHelpCommand(ctx context.Context, m *discordgo.Message) {
	requestChannel := fmt.Sprintf("<#%s>", b.config.Requests.ChannelID)
	embed := &discordgo.MessageEmbed{
		Title: "🤖 Bot Commands",
		Color: colorHelp,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Role Request",
				Value: fmt.Sprintf(
					"In %s:\n```\n%s\n```",
					requestChannel,
					correctFormatExample,
				),
			},
			{Name: "Mod Commands", Value: "`!cleanup [amount]`"},
			{Name: "Utility", Value: "`!ping` - Check bot latency\n`!help` - This menu"},
			{
				Name: "Slash Commands",
				Value: "`/slayer_list`, `/name_change_stats`, `/export_slayers`, " +
					"`/remove_slayer`, `/dm_name_notice`, `/rebuild_registry`",
			},
		},
	}
	_, err := b.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Embeds:    []*discordgo.MessageEmbed{embed},
			Reference: m.Reference(),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		contextLoggerOr(ctx, b.logger).WarnContext(ctx, "unable to send help", tint.Err(err))
	}
}
