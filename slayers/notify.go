package slayers

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"math"
	"time"
)

const (
	emojiAccepted = "✅"
	emojiRejected = "❌"
	emojiCooldown = "⏳"
	emojiError    = "⚠️"

	colorSuccess = 0x00ff00
	colorError   = 0xff0000
	colorWarning = 0xffa500
	colorInfo    = 0x0099ff
)

const correctFormatExample = "Name\nID\nRank"

// DeliveryKind identifies the channel a notification was sent through
type DeliveryKind string

const (
	DeliveryReaction    DeliveryKind = "reaction"
	DeliveryDirect      DeliveryKind = "dm"
	DeliveryOperatorLog DeliveryKind = "operator_log"
)

// DeliveryResult is the result of a single notification. Delivery
// failures are reported here and never change a request's outcome.
type DeliveryResult struct {
	Kind   DeliveryKind
	Target string

	Delivered bool

	// FellBack is set when a direct message couldn't be delivered, and
	// the fallback reply in the request channel was sent instead
	FellBack bool

	Err error
}

func (d DeliveryResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(d.Kind)),
		slog.String("target", d.Target),
		slog.Bool("delivered", d.Delivered),
	}
	if d.FellBack {
		attrs = append(attrs, slog.Bool("fell_back", true))
	}
	if d.Err != nil {
		attrs = append(attrs, tint.Err(d.Err))
	}
	return slog.GroupValue(attrs...)
}

// Message is the content of a direct message or operator log entry
type Message struct {
	Content string
	Embed   *discordgo.MessageEmbed
}

// Fallback is a reply to the original request message, sent when a
// direct message can't be delivered
type Fallback struct {
	GuildID   string
	ChannelID string
	MessageID string
	Content   string
}

// Notifier delivers the reactions, direct messages and operator log
// entries that accompany a request's outcome
type Notifier interface {
	React(ctx context.Context, channelID, messageID, emoji string) DeliveryResult

	// DirectMessage sends msg to the user. If that fails and fallback
	// is non-nil, the fallback reply is sent instead.
	DirectMessage(
		ctx context.Context,
		userID string,
		msg Message,
		fallback *Fallback,
	) DeliveryResult

	// OperatorLog posts msg to the given operator channel. An empty
	// channelID means no operator channel is configured, and nothing
	// is sent.
	OperatorLog(ctx context.Context, channelID string, msg Message) DeliveryResult
}

type discordNotifier struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newDiscordNotifier(session DiscordSessionHandler, logger *slog.Logger) *discordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordNotifier{
		session: session,
		logger:  logger.With(loggerNameKey, "notifier"),
	}
}

func (n *discordNotifier) React(
	ctx context.Context,
	channelID, messageID, emoji string,
) DeliveryResult {
	result := DeliveryResult{Kind: DeliveryReaction, Target: messageID}
	err := n.session.MessageReactionAdd(
		channelID,
		messageID,
		emoji,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		result.Err = errors.Join(ErrDelivery, err)
		n.logger.WarnContext(ctx, "unable to add reaction", "delivery", result)
		return result
	}
	result.Delivered = true
	return result
}

func (n *discordNotifier) DirectMessage(
	ctx context.Context,
	userID string,
	msg Message,
	fallback *Fallback,
) DeliveryResult {
	result := DeliveryResult{Kind: DeliveryDirect, Target: userID}
	err := n.sendDirectMessage(ctx, userID, msg)
	if err == nil {
		result.Delivered = true
		return result
	}
	result.Err = errors.Join(ErrDelivery, err)
	n.logger.WarnContext(ctx, "unable to send direct message", "delivery", result)

	if fallback == nil || fallback.Content == "" {
		return result
	}
	_, replyErr := n.session.ChannelMessageSendReply(
		fallback.ChannelID,
		fallback.Content,
		&discordgo.MessageReference{
			MessageID: fallback.MessageID,
			ChannelID: fallback.ChannelID,
			GuildID:   fallback.GuildID,
		},
		discordgo.WithContext(ctx),
	)
	if replyErr != nil {
		result.Err = errors.Join(result.Err, replyErr)
		n.logger.WarnContext(ctx, "unable to send fallback reply", tint.Err(replyErr))
		return result
	}
	result.FellBack = true
	return result
}

func (n *discordNotifier) sendDirectMessage(
	ctx context.Context,
	userID string,
	msg Message,
) error {
	ch, err := n.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	if ch == nil {
		return errors.New("no DM channel returned")
	}
	_, err = n.session.ChannelMessageSendComplex(
		ch.ID,
		msg.messageSend(),
		discordgo.WithContext(ctx),
	)
	return err
}

func (n *discordNotifier) OperatorLog(
	ctx context.Context,
	channelID string,
	msg Message,
) DeliveryResult {
	result := DeliveryResult{Kind: DeliveryOperatorLog, Target: channelID}
	if channelID == "" {
		return result
	}
	_, err := n.session.ChannelMessageSendComplex(
		channelID,
		msg.messageSend(),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		result.Err = errors.Join(ErrDelivery, err)
		n.logger.WarnContext(ctx, "unable to send operator log", "delivery", result)
		return result
	}
	result.Delivered = true
	return result
}

func (m Message) messageSend() *discordgo.MessageSend {
	send := &discordgo.MessageSend{
		Content:         m.Content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if m.Embed != nil {
		send.Embeds = []*discordgo.MessageEmbed{m.Embed}
	}
	return send
}

// cooldownMinutes rounds the remaining cooldown up to whole minutes
func cooldownMinutes(remaining time.Duration) int {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		return 1
	}
	return minutes
}

func pluralize(n int, singular string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, singular)
	}
	return fmt.Sprintf("%d %ss", n, singular)
}

func embedTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func mentionRejectedMessage(req Request) Message {
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "Invalid Role Request Format",
			Description: "You mentioned a user instead of typing your in-game name. " +
				"Please type your name instead of using @mentions.",
			Color: colorError,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Correct Format", Value: "```\n" + correctFormatExample + "\n```"},
				{Name: "Your Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func formatRejectedMessage(req Request) Message {
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "Invalid Role Request Format",
			Description: "Your request couldn't be read. Please send your name, " +
				"ID and (optionally) rank, one per line.",
			Color: colorError,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Correct Format", Value: "```\n" + correctFormatExample + "\n```"},
				{Name: "Example", Value: "```\nJon Snow\n123456\n3\n```"},
				{Name: "You Sent", Value: "```\n" + truncate(req.Content, 900) + "\n```"},
				{Name: "Your Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func cooldownRejectedMessage(remaining time.Duration) Message {
	return Message{
		Content: fmt.Sprintf(
			"Please wait %s before changing your name again.",
			pluralize(cooldownMinutes(remaining), "minute"),
		),
	}
}

func duplicateRejectedMessage(req Request, id string) Message {
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "ID Already In Use",
			Description: fmt.Sprintf(
				"The ID **%s** is already in use by another member. "+
					"If this is your ID, please contact a moderator.",
				id,
			),
			Color: colorError,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Your Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func systemErrorMessage(req Request) Message {
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "Something Went Wrong",
			Description: "An error occurred while processing your request. " +
				"Please try again later, or contact a moderator.",
			Color: colorError,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Your Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func acceptedMessage(req Request, out Outcome) Message {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Original Name", Value: out.Fields.Name, Inline: true},
		{Name: "New Nickname", Value: out.Nickname, Inline: true},
	}
	if out.Fields.Rank != "" {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "Rank", Value: out.Fields.Rank, Inline: true},
		)
	}
	fields = append(
		fields,
		&discordgo.MessageEmbedField{Name: "Your Message", Value: requestLink(req)},
	)
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title:       "Name Changed",
			Description: "Your nickname has been updated and your role assigned.",
			Color:       colorSuccess,
			Fields:      fields,
			Timestamp:   embedTimestamp(req.ReceivedAt),
		},
	}
}

func similarNameMessage(name string) Message {
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "Similar Name Detected",
			Description: fmt.Sprintf(
				"Another member is already using the name **%s**. Your request "+
					"was still processed, but please make sure you entered "+
					"your own in-game name.",
				name,
			),
			Color: colorWarning,
		},
	}
}

func acceptedLogMessage(req Request, out Outcome) Message {
	rank := out.Fields.Rank
	if rank == "" {
		rank = "-"
	}
	previous := out.PreviousNickname
	if previous == "" {
		previous = "-"
	}
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "Name Changed",
			Color: colorInfo,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "User", Value: discordUserMention(req.SubmitterID), Inline: true},
				{Name: "Before", Value: previous, Inline: true},
				{Name: "After", Value: out.Nickname, Inline: true},
				{Name: "Rank", Value: rank, Inline: true},
				{Name: "Parsed By", Value: out.Grammar, Inline: true},
				{Name: "Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func duplicateLogMessage(req Request, out Outcome) Message {
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title: "Duplicate ID Attempt",
			Color: colorWarning,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "User", Value: discordUserMention(req.SubmitterID), Inline: true},
				{Name: "ID", Value: out.Fields.ID, Inline: true},
				{Name: "Held By", Value: discordUserMention(out.Holder), Inline: true},
				{Name: "Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func permissionLogMessage(req Request, kind PermissionKind) Message {
	var detail string
	switch kind {
	case PermissionBotMissing:
		detail = "The bot is missing the Manage Nicknames or Manage Roles permission."
	case PermissionHierarchy:
		detail = "The member's highest role is at or above the bot's highest role."
	default:
		detail = string(kind)
	}
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title:       "Unable To Process Request",
			Description: detail,
			Color:       colorWarning,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "User", Value: discordUserMention(req.SubmitterID), Inline: true},
				{Name: "Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func systemErrorLogMessage(req Request, out Outcome) Message {
	errText := "unknown error"
	if out.Err != nil {
		errText = out.Err.Error()
	}
	return Message{
		Embed: &discordgo.MessageEmbed{
			Title:       "Request Failed",
			Description: "```\n" + truncate(errText, 1000) + "\n```",
			Color:       colorError,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "User", Value: discordUserMention(req.SubmitterID), Inline: true},
				{
					Name:   "Nickname Applied",
					Value:  fmt.Sprintf("%t", out.NicknameApplied),
					Inline: true,
				},
				{Name: "Role Applied", Value: fmt.Sprintf("%t", out.RoleApplied), Inline: true},
				{Name: "Message", Value: requestLink(req)},
			},
			Timestamp: embedTimestamp(req.ReceivedAt),
		},
	}
}

func registryErrorLogMessage(req Request, err error) Message {
	return Message{
		Content: fmt.Sprintf(
			"Nickname applied for %s, but the registry couldn't be updated: %s",
			discordUserMention(req.SubmitterID),
			truncate(err.Error(), 500),
		),
	}
}

func requestLink(req Request) string {
	if req.URL != "" {
		return fmt.Sprintf("[Jump to message](%s)", req.URL)
	}
	if req.GuildID != "" && req.ChannelID != "" && req.MessageID != "" {
		return fmt.Sprintf(
			"[Jump to message](%s)",
			messageURL(req.GuildID, req.ChannelID, req.MessageID),
		)
	}
	return "-"
}

func discordUserMention(userID string) string {
	if userID == "" {
		return "-"
	}
	return fmt.Sprintf("<@%s>", userID)
}
