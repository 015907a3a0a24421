package slayers

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"net/http"
	"slices"
)

// Member is a guild member, as seen by the request classifier
type Member struct {
	UserID     string
	Username   string
	GlobalName string
	Nickname   string
	Bot        bool
	Roles      []string
}

// DisplayName returns the member's nickname, falling back to their username
func (m Member) DisplayName() string {
	if m.Nickname != "" {
		return m.Nickname
	}
	return m.Username
}

func (m Member) HasRole(roleID string) bool {
	return slices.Contains(m.Roles, roleID)
}

// Standing is a member's guild-level permissions and role position
type Standing struct {
	Administrator   bool
	Owner           bool
	ManageNicknames bool
	ManageRoles     bool
	ManageMessages  bool

	// HighestPosition is the position of the member's highest role.
	// Members with no roles sit at 0, alongside @everyone.
	HighestPosition int
}

// Platform is the chat platform the bot reads members from and applies
// nickname/role changes to
type Platform interface {
	// Member returns ErrMemberNotFound if the user isn't in the guild
	Member(ctx context.Context, guildID, userID string) (Member, error)

	// Members lists every member of the guild
	Members(ctx context.Context, guildID string) ([]Member, error)

	Standing(ctx context.Context, guildID, userID string) (Standing, error)

	// BotStanding returns the bot user's own Standing
	BotStanding(ctx context.Context, guildID string) (Standing, error)

	SetNickname(ctx context.Context, guildID, userID, nickname string) error
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// discordPlatform implements Platform against the discord REST API.
// Gateway state caching is disabled, so roles and permissions are
// fetched on demand.
type discordPlatform struct {
	session   DiscordSessionHandler
	botUserID string
	logger    *slog.Logger
}

func newDiscordPlatform(
	session DiscordSessionHandler,
	botUserID string,
	logger *slog.Logger,
) *discordPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordPlatform{
		session:   session,
		botUserID: botUserID,
		logger:    logger.With(loggerNameKey, "platform"),
	}
}

func newMember(m *discordgo.Member) Member {
	member := Member{Nickname: m.Nick, Roles: m.Roles}
	if m.User != nil {
		member.UserID = m.User.ID
		member.Username = m.User.Username
		member.GlobalName = m.User.GlobalName
		member.Bot = m.User.Bot
	}
	return member
}

func (p *discordPlatform) Member(
	ctx context.Context,
	guildID, userID string,
) (Member, error) {
	m, err := p.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err) {
			return Member{}, fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
		}
		return Member{}, fmt.Errorf("error fetching member %s: %w", userID, err)
	}
	return newMember(m), nil
}

func (p *discordPlatform) Members(ctx context.Context, guildID string) ([]Member, error) {
	var members []Member
	after := ""
	for {
		page, err := p.session.GuildMembers(
			guildID,
			after,
			discordGuildMembersPageSize,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return members, fmt.Errorf("error listing guild members: %w", err)
		}
		for _, m := range page {
			member := newMember(m)
			members = append(members, member)
			after = member.UserID
		}
		if len(page) < discordGuildMembersPageSize {
			break
		}
	}
	p.logger.DebugContext(ctx, "listed guild members", "count", len(members))
	return members, nil
}

func (p *discordPlatform) Standing(
	ctx context.Context,
	guildID, userID string,
) (Standing, error) {
	guild, err := p.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return Standing{}, fmt.Errorf("error fetching guild: %w", err)
	}
	m, err := p.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return Standing{}, fmt.Errorf("error fetching member %s: %w", userID, err)
	}
	return memberStanding(guild, m.Roles, userID), nil
}

func (p *discordPlatform) BotStanding(ctx context.Context, guildID string) (Standing, error) {
	if p.botUserID == "" {
		return Standing{}, errors.New("bot user id not set")
	}
	return p.Standing(ctx, guildID, p.botUserID)
}

func (p *discordPlatform) SetNickname(
	ctx context.Context,
	guildID, userID, nickname string,
) error {
	return p.session.GuildMemberNickname(guildID, userID, nickname, discordgo.WithContext(ctx))
}

func (p *discordPlatform) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

func (p *discordPlatform) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return p.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// memberStanding computes guild-level permissions from the @everyone role
// (which shares the guild's ID) and the member's roles. Channel overwrites
// aren't considered.
func memberStanding(guild *discordgo.Guild, roleIDs []string, userID string) Standing {
	var perms int64
	standing := Standing{Owner: guild.OwnerID != "" && guild.OwnerID == userID}
	for _, role := range guild.Roles {
		if role.ID != guild.ID && !slices.Contains(roleIDs, role.ID) {
			continue
		}
		perms |= role.Permissions
		if role.ID != guild.ID && role.Position > standing.HighestPosition {
			standing.HighestPosition = role.Position
		}
	}

	standing.Administrator = standing.Owner ||
		perms&discordgo.PermissionAdministrator != 0
	if standing.Administrator {
		standing.ManageNicknames = true
		standing.ManageRoles = true
		standing.ManageMessages = true
		return standing
	}
	standing.ManageNicknames = perms&discordgo.PermissionManageNicknames != 0
	standing.ManageRoles = perms&discordgo.PermissionManageRoles != 0
	standing.ManageMessages = perms&discordgo.PermissionManageMessages != 0
	return standing
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
