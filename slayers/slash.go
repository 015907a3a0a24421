package slayers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

const (
	SlashCommandSlayerList      = "slayer_list"
	SlashCommandExportSlayers   = "export_slayers"
	SlashCommandRemoveSlayer    = "remove_slayer"
	SlashCommandDMNameNotice    = "dm_name_notice"
	SlashCommandNameChangeStats = "name_change_stats"
	SlashCommandRebuildRegistry = "rebuild_registry"

	slashOptionMember  = "member"
	slashOptionMessage = "message"

	// discord allows at most 10 embeds per message
	maxEmbedsPerMessage = 10
	slayerListPageSize  = 25

	registryRebuildConcurrency = 4

	exportFilename = "slayers.csv"
)

var (
	errNotPrivileged = errors.New("you don't have permission to use this command")
	errNoMemberGiven = errors.New("no member given")
)

// privilegedCommands require the high command role, or administrator
var privilegedCommands = []string{
	SlashCommandExportSlayers,
	SlashCommandRemoveSlayer,
	SlashCommandDMNameNotice,
	SlashCommandRebuildRegistry,
}

// slashCommands returns the application commands registered on startup
func slashCommands() []*discordgo.ApplicationCommand {
	dmPerm := false
	return []*discordgo.ApplicationCommand{
		{
			Name:         SlashCommandSlayerList,
			Description:  "List members with the slayer role",
			DMPermission: &dmPerm,
		},
		{
			Name:         SlashCommandExportSlayers,
			Description:  "Export slayers as a CSV file",
			DMPermission: &dmPerm,
		},
		{
			Name:         SlashCommandRemoveSlayer,
			Description:  "Remove the slayer role from a member",
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        slashOptionMember,
					Description: "Member to remove",
					Required:    true,
				},
			},
		},
		{
			Name:         SlashCommandDMNameNotice,
			Description:  "DM slayers whose nickname isn't in the Name | ID format",
			DMPermission: &dmPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        slashOptionMessage,
					Description: "Message to send, instead of the default notice",
					Required:    false,
					MaxLength:   1500,
				},
			},
		},
		{
			Name:         SlashCommandNameChangeStats,
			Description:  "Show name change request statistics",
			DMPermission: &dmPerm,
		},
		{
			Name:         SlashCommandRebuildRegistry,
			Description:  "Rebuild the slayer registry from member nicknames",
			DMPermission: &dmPerm,
		},
	}
}

// slashResponse is the content a deferred interaction response is
// edited to show
type slashResponse struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
	Files   []*discordgo.File
}

func (r slashResponse) webhookEdit() *discordgo.WebhookEdit {
	edit := &discordgo.WebhookEdit{
		Content:         &r.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if len(r.Embeds) > 0 {
		edit.Embeds = &r.Embeds
	}
	if len(r.Files) > 0 {
		edit.Files = r.Files
	}
	return edit
}

func ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// isPrivileged reports whether the interaction's member holds the high
// command role, or is an administrator
func (b *Bot) isPrivileged(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	roleID := b.config.Requests.HighCommandRoleID
	return roleID != "" && slices.Contains(i.Member.Roles, roleID)
}

// handleInteraction acknowledges a slash command, runs it, and edits the
// deferred response with the result
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil {
		return
	}
	logger := b.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction", "type", i.Type.String())
		return
	}
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	commandName := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"received slash command",
		"command", commandName,
		"user", discordUserTag(discordUser),
	)
	if err := b.session.InteractionRespond(
		i.Interaction,
		ackResponse(),
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	resp, err := b.runSlashCommand(ctx, i, commandName)
	if err != nil {
		logger.ErrorContext(ctx, "slash command failed", "command", commandName, tint.Err(err))
		resp = slashResponse{Content: fmt.Sprintf("❌ %s", err.Error())}
	}
	if _, editErr := b.session.InteractionResponseEdit(
		i.Interaction,
		resp.webhookEdit(),
		discordgo.WithContext(ctx),
	); editErr != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
	}
}

func (b *Bot) runSlashCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	commandName string,
) (slashResponse, error) {
	if slices.Contains(privilegedCommands, commandName) && !b.isPrivileged(i) {
		return slashResponse{}, errNotPrivileged
	}
	guildID := i.GuildID
	if guildID == "" {
		return slashResponse{}, errors.New("this command can only be used in a server")
	}

	options := discordInteractionOptions(i)

	switch commandName {
	case SlashCommandSlayerList:
		return b.slayerList(ctx, guildID)
	case SlashCommandExportSlayers:
		return b.exportSlayers(ctx, guildID)
	case SlashCommandRemoveSlayer:
		var target *discordgo.User
		if opt, ok := options[slashOptionMember]; ok {
			target = opt.UserValue(nil)
		}
		if target == nil || target.ID == "" {
			return slashResponse{}, errNoMemberGiven
		}
		return b.removeSlayer(ctx, guildID, target.ID, getDiscordUser(i))
	case SlashCommandDMNameNotice:
		var message string
		if opt, ok := options[slashOptionMessage]; ok {
			message, _ = opt.Value.(string)
		}
		return b.dmNameNotice(ctx, guildID, message)
	case SlashCommandNameChangeStats:
		return b.nameChangeStats(ctx)
	case SlashCommandRebuildRegistry:
		count, err := b.RebuildRegistry(ctx, guildID)
		if err != nil {
			return slashResponse{}, err
		}
		return slashResponse{
			Content: fmt.Sprintf("✅ Registry rebuilt from %s", pluralize(count, "nickname")),
		}, nil
	default:
		return slashResponse{}, fmt.Errorf("unknown command: %s", commandName)
	}
}

// roleHolders returns the guild members holding the target role,
// ordered by display name
func (b *Bot) roleHolders(ctx context.Context, guildID string) ([]Member, error) {
	members, err := b.platform.Members(ctx, guildID)
	if err != nil {
		return nil, err
	}
	holders := make([]Member, 0, len(members))
	for _, m := range members {
		if !m.Bot && m.HasRole(b.config.Requests.RoleID) {
			holders = append(holders, m)
		}
	}
	slices.SortFunc(
		holders, func(x, y Member) int {
			return strings.Compare(
				strings.ToLower(x.DisplayName()),
				strings.ToLower(y.DisplayName()),
			)
		},
	)
	return holders, nil
}

func (b *Bot) slayerList(ctx context.Context, guildID string) (slashResponse, error) {
	holders, err := b.roleHolders(ctx, guildID)
	if err != nil {
		return slashResponse{}, err
	}
	if len(holders) == 0 {
		return slashResponse{Content: "No slayers found."}, nil
	}

	lines := make([]string, 0, len(holders))
	for _, m := range holders {
		lines = append(
			lines,
			fmt.Sprintf("• %s (%s)", m.DisplayName(), discordUserMention(m.UserID)),
		)
	}
	pages := chunkItems(slayerListPageSize, lines...)
	resp := slashResponse{}
	for n, page := range pages {
		if n == maxEmbedsPerMessage {
			resp.Content = fmt.Sprintf(
				"Showing %d of %d slayers. Use /%s for the full list.",
				maxEmbedsPerMessage*slayerListPageSize,
				len(holders),
				SlashCommandExportSlayers,
			)
			break
		}
		resp.Embeds = append(
			resp.Embeds,
			&discordgo.MessageEmbed{
				Title:       fmt.Sprintf("Slayers (%d) - page %d/%d", len(holders), n+1, len(pages)),
				Description: strings.Join(page, "\n"),
				Color:       colorInfo,
			},
		)
	}
	return resp, nil
}

func (b *Bot) exportSlayers(ctx context.Context, guildID string) (slashResponse, error) {
	holders, err := b.roleHolders(ctx, guildID)
	if err != nil {
		return slashResponse{}, err
	}
	rows := ExportRowsFromMembers(holders)
	buf := &bytes.Buffer{}
	if err = WriteExportCSV(buf, rows); err != nil {
		return slashResponse{}, err
	}
	return slashResponse{
		Content: fmt.Sprintf("Exported %s", pluralize(len(rows), "slayer")),
		Files: []*discordgo.File{
			{
				Name:        exportFilename,
				ContentType: "text/csv",
				Reader:      buf,
			},
		},
	}, nil
}

// removeSlayer removes the target role from the member and deletes their
// registry record. The member is notified by DM, and the removal is
// logged to the admin log channel.
func (b *Bot) removeSlayer(
	ctx context.Context,
	guildID string,
	userID string,
	moderator *discordgo.User,
) (slashResponse, error) {
	logger := contextLoggerOr(ctx, b.logger)
	if err := b.platform.RemoveRole(ctx, guildID, userID, b.config.Requests.RoleID); err != nil {
		return slashResponse{}, fmt.Errorf("unable to remove role: %w", err)
	}
	deleted, err := b.registry.DeleteMember(ctx, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error deleting member record", tint.Err(err))
	}

	dm := b.notifier.DirectMessage(
		ctx,
		userID,
		Message{
			Content: "Your slayer role has been removed by a moderator. " +
				"Contact the server staff if you think this is a mistake.",
		},
		nil,
	)
	b.notifier.OperatorLog(
		ctx,
		b.config.Requests.adminLogChannel(),
		Message{
			Content: fmt.Sprintf(
				"🗑️ %s removed the slayer role from %s (record deleted: %t)",
				discordUserMention(moderator.ID),
				discordUserMention(userID),
				deleted,
			),
		},
	)

	content := fmt.Sprintf("✅ Removed the slayer role from %s", discordUserMention(userID))
	if !dm.Delivered {
		content += " (they couldn't be notified by DM)"
	}
	return slashResponse{Content: content}, nil
}

func defaultNameNotice(channelID string) string {
	return fmt.Sprintf(
		"Your nickname doesn't follow the `Name | ID` format. Please post your "+
			"name, ID and rank in <#%s>, one per line:\n```\n%s\n```",
		channelID,
		correctFormatExample,
	)
}

// dmNameNotice sends a DM to every role holder whose nickname isn't a
// valid formatted nickname, paced by the configured broadcast rate
func (b *Bot) dmNameNotice(
	ctx context.Context,
	guildID string,
	message string,
) (slashResponse, error) {
	logger := contextLoggerOr(ctx, b.logger)
	if strings.TrimSpace(message) == "" {
		message = defaultNameNotice(b.config.Requests.ChannelID)
	}
	holders, err := b.roleHolders(ctx, guildID)
	if err != nil {
		return slashResponse{}, err
	}

	limiter := rate.NewLimiter(rate.Limit(b.config.Requests.DMBroadcastPerSecond), 1)
	var sent, failed int
	for _, m := range holders {
		if ValidNickname(m.Nickname) {
			continue
		}
		if err = limiter.Wait(ctx); err != nil {
			logger.WarnContext(ctx, "name notice interrupted", tint.Err(err))
			break
		}
		result := b.notifier.DirectMessage(ctx, m.UserID, Message{Content: message}, nil)
		if result.Delivered {
			sent++
		} else {
			failed++
		}
	}
	logger.InfoContext(ctx, "sent name notices", "sent", sent, "failed", failed)
	return slashResponse{
		Content: fmt.Sprintf(
			"📨 Name notice sent to %s, %d failed",
			pluralize(sent, "member"),
			failed,
		),
	}, nil
}

func (b *Bot) nameChangeStats(ctx context.Context) (slashResponse, error) {
	if b.db == nil {
		return slashResponse{}, errors.New("request log unavailable")
	}
	stats, err := getRequestStats(ctx, b.db, time.Now())
	if err != nil {
		return slashResponse{}, err
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Total", Value: fmt.Sprintf("%d", stats.Total), Inline: true},
		{Name: "Accepted", Value: fmt.Sprintf("%d", stats.Accepted), Inline: true},
		{Name: "Last 24 Hours", Value: fmt.Sprintf("%d", stats.Last24Hours), Inline: true},
		{Name: "Registered", Value: fmt.Sprintf("%d", stats.Members), Inline: true},
	}
	for _, reason := range []Reason{
		ReasonMention,
		ReasonCooldown,
		ReasonFormat,
		ReasonPermission,
		ReasonDuplicate,
		ReasonSystem,
	} {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:   fmt.Sprintf("Rejected: %s", reason),
				Value:  fmt.Sprintf("%d", stats.Rejected[string(reason)]),
				Inline: true,
			},
		)
	}
	return slashResponse{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:  "Name Change Stats",
				Color:  colorInfo,
				Fields: fields,
			},
		},
	}, nil
}

// RebuildRegistry scans the guild's member nicknames and saves a registry
// record for each valid formatted nickname, returning how many were
// saved
func (b *Bot) RebuildRegistry(ctx context.Context, guildID string) (int, error) {
	logger := contextLoggerOr(ctx, b.logger)
	members, err := b.platform.Members(ctx, guildID)
	if err != nil {
		return 0, err
	}

	var saved atomic.Int64
	now := time.Now().UnixMilli()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(registryRebuildConcurrency)
	for _, m := range members {
		name, id, ok := ParseNickname(m.Nickname)
		if !ok || m.Bot {
			continue
		}
		record := MemberRecord{
			SubmitterID: m.UserID,
			Name:        name,
			GameID:      id,
			Nickname:    m.Nickname,
			Username:    m.Username,
			GuildID:     guildID,
			RecordedAt:  now,
		}
		if existing, getErr := b.registry.GetMember(gctx, m.UserID); getErr == nil {
			record.Rank = existing.Rank
		}
		g.Go(
			func() error {
				if saveErr := b.registry.SaveMember(gctx, record); saveErr != nil {
					return fmt.Errorf("error saving %s: %w", record.SubmitterID, saveErr)
				}
				saved.Add(1)
				return nil
			},
		)
	}
	err = g.Wait()
	logger.InfoContext(
		ctx,
		"rebuilt registry",
		"members", len(members),
		"saved", saved.Load(),
		tint.Err(err),
	)
	return int(saved.Load()), err
}
