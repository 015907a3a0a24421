package slayers

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

var (
	userMention  = regexp.MustCompile(`<@!?\d+>`)
	roleMention  = regexp.MustCompile(`<@&\d+>`)
	groupMention = regexp.MustCompile(`@(everyone|here)\b`)

	// bareMention matches an "@" starting a word, as in "hey @Jon". An
	// "@" inside a word (an email address) doesn't count.
	bareMention = regexp.MustCompile(`(^|\s)@\S`)

	// nicknameGameID matches the ID at the end of a formatted nickname,
	// even when the name segment itself isn't well-formed
	nicknameGameID = regexp.MustCompile(`\|\s*(\d+)\s*$`)
)

// Request is a single role request message
type Request struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	SubmitterID string
	Username    string
	Content     string
	URL         string

	// Mentions holds the IDs of users mentioned via the platform's
	// mention syntax
	Mentions []string

	ReceivedAt time.Time
}

func (r Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", r.MessageID),
		slog.String("channel_id", r.ChannelID),
		slog.String(columnSubmitterID, r.SubmitterID),
		slog.String("username", r.Username),
	)
}

// NewRequest builds a Request from a gateway message
func NewRequest(m *discordgo.Message) Request {
	req := Request{
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		Content:    m.Content,
		ReceivedAt: m.Timestamp,
	}
	if author := messageAuthor(m); author != nil {
		req.SubmitterID = author.ID
		req.Username = author.Username
	}
	for _, u := range m.Mentions {
		if u != nil {
			req.Mentions = append(req.Mentions, u.ID)
		}
	}
	if req.GuildID != "" {
		req.URL = messageURL(req.GuildID, req.ChannelID, req.MessageID)
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	return req
}

// Outcome is the result of classifying a request. Exactly one of
// Accepted or a non-empty Reason is set.
type Outcome struct {
	Accepted bool
	Reason   Reason

	// Err is the *RejectionError for a rejected request
	Err error

	// Grammar is the name of the grammar that parsed the request
	Grammar       string
	Fields        ParsedFields
	SanitizedName string
	Nickname      string

	// PreviousNickname is the member's display name before the request
	PreviousNickname string

	Remaining  time.Duration
	Holder     string
	Permission PermissionKind

	NicknameApplied bool
	RoleApplied     bool
	RoleAlreadyHeld bool
	RecordSaved     bool

	// SimilarName is the display name of another member using the same
	// name, with a different ID
	SimilarName       string
	SimilarNameWarned bool

	// RegistryErr is set when the request was applied, but the member
	// record couldn't be saved
	RegistryErr error

	Deliveries []DeliveryResult
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("result", o.Reason.String()),
	}
	if o.Grammar != "" {
		attrs = append(attrs, slog.String("grammar", o.Grammar))
	}
	if o.Fields != (ParsedFields{}) {
		attrs = append(attrs, slog.Any("fields", o.Fields))
	}
	if o.Nickname != "" {
		attrs = append(attrs, slog.String("nickname", o.Nickname))
	}
	if o.Permission != PermissionNone {
		attrs = append(attrs, slog.String("permission", string(o.Permission)))
	}
	if o.Holder != "" {
		attrs = append(attrs, slog.String("holder", o.Holder))
	}
	if o.Remaining > 0 {
		attrs = append(attrs, slog.Duration("remaining", o.Remaining))
	}
	if o.Err != nil {
		attrs = append(attrs, tint.Err(o.Err))
	}
	return slog.GroupValue(attrs...)
}

func (o *Outcome) reject(rejection *RejectionError) {
	o.Accepted = false
	o.Reason = rejection.Reason
	o.Err = rejection
	o.Remaining = rejection.Remaining
	o.Holder = rejection.Holder
	o.Permission = rejection.Permission
}

// Classifier decides the outcome of each request, applies accepted
// requests and sends the resulting notifications. Checks run in order:
// mention, cooldown, format, permission, duplicate. The first failing
// check decides the outcome.
//
// A cooldown is reserved before the request is parsed, so concurrent
// requests from one member can't both pass the cooldown check. The
// reservation is released for any request that isn't accepted.
type Classifier struct {
	Platform  Platform
	Cooldowns CooldownStore
	Warnings  WarningStore
	Registry  MemberRegistry
	Notifier  Notifier
	Extractor *Extractor
	Config    RequestConfig
	Logger    *slog.Logger

	// Now is used in place of time.Now, when set
	Now func() time.Time
}

func (c *Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Classifier) extractor() *Extractor {
	if c.Extractor != nil {
		return c.Extractor
	}
	return defaultExtractor
}

// Classify processes a single request, returning its outcome and the
// result of each notification sent for it
func (c *Classifier) Classify(ctx context.Context, req Request) Outcome {
	logger := contextLoggerOr(ctx, c.Logger).With("request", req)
	ctx = WithLogger(ctx, logger)

	out := c.evaluate(ctx, req)
	out.Deliveries = c.notify(ctx, req, out)

	if out.Accepted {
		logger.InfoContext(ctx, "request accepted", "outcome", out)
	} else {
		logger.WarnContext(ctx, "request rejected", "outcome", out)
	}
	return out
}

func (c *Classifier) evaluate(ctx context.Context, req Request) (out Outcome) {
	logger := contextLoggerOr(ctx, c.Logger)

	if mentionsSomeone(req) {
		out.reject(newRejection(ReasonMention, nil))
		return out
	}

	now := c.now()
	remaining, ok, err := c.Cooldowns.AcquireCooldown(
		ctx,
		req.SubmitterID,
		now,
		c.Config.Cooldown,
	)
	if err != nil {
		out.reject(newRejection(ReasonSystem, fmt.Errorf("cooldown check: %w", err)))
		return out
	}
	if !ok {
		rejection := newRejection(ReasonCooldown, nil)
		rejection.Remaining = remaining
		out.reject(rejection)
		return out
	}
	if c.Config.Cooldown > 0 {
		until := now.Add(c.Config.Cooldown)
		defer func() {
			if out.Accepted {
				return
			}
			releaseCtx, cancel := context.WithTimeout(
				context.WithoutCancel(ctx),
				dbOperationTimeout,
			)
			defer cancel()
			if releaseErr := c.Cooldowns.ReleaseCooldown(
				releaseCtx,
				req.SubmitterID,
				until,
			); releaseErr != nil {
				logger.ErrorContext(ctx, "unable to release cooldown", tint.Err(releaseErr))
			}
		}()
	}

	fields, grammar := c.extractor().Extract(req.Content)
	out.Fields = fields
	out.Grammar = grammar
	if !fields.Complete() {
		out.reject(newRejection(ReasonFormat, errors.New("name and id not found")))
		return out
	}

	name := SanitizeName(fields.Name, c.Config.NameMaxLength)
	if name == "" {
		out.reject(newRejection(ReasonFormat, errors.New("name has no letters")))
		return out
	}
	nickname := FormatNickname(name, fields.ID)
	if c.Config.FitNickname {
		name, nickname = FitNickname(name, fields.ID, discordNicknameMaxLength)
	}
	if !ValidNickname(nickname) {
		out.reject(
			newRejection(ReasonFormat, fmt.Errorf("invalid nickname %q", nickname)),
		)
		return out
	}
	out.SanitizedName = name
	out.Nickname = nickname

	member, rejection := c.checkPermission(ctx, req)
	if rejection != nil {
		out.reject(rejection)
		return out
	}
	out.PreviousNickname = member.DisplayName()

	similar, rejection := c.checkDuplicate(ctx, req, fields.ID, name)
	if rejection != nil {
		out.reject(rejection)
		return out
	}
	if similar != "" {
		out.SimilarName = similar
		warn, warnErr := c.Warnings.TryWarn(
			ctx,
			req.SubmitterID,
			now,
			c.Config.SimilarNameWarningInterval,
		)
		if warnErr != nil {
			logger.WarnContext(ctx, "unable to check name warning", tint.Err(warnErr))
		}
		out.SimilarNameWarned = warn
	}

	if rejection = c.apply(ctx, req, member, &out); rejection != nil {
		out.reject(rejection)
		return out
	}
	out.Accepted = true
	out.Reason = ReasonNone

	record := MemberRecord{
		SubmitterID: req.SubmitterID,
		Name:        name,
		GameID:      fields.ID,
		Rank:        fields.Rank,
		Nickname:    nickname,
		Username:    req.Username,
		GuildID:     req.GuildID,
		RecordedAt:  now.UnixMilli(),
	}
	if err = c.Registry.SaveMember(ctx, record); err != nil {
		logger.ErrorContext(ctx, "unable to save member record", tint.Err(err))
		out.RegistryErr = err
	} else {
		out.RecordSaved = true
	}
	return out
}

// checkPermission returns the submitter, or a permission rejection if
// the submitter is an administrator (or owner), the bot can't manage
// nicknames and roles, or the submitter's highest role isn't below the
// bot's
func (c *Classifier) checkPermission(
	ctx context.Context,
	req Request,
) (Member, *RejectionError) {
	member, err := c.Platform.Member(ctx, req.GuildID, req.SubmitterID)
	if err != nil {
		return member, newRejection(ReasonSystem, err)
	}
	standing, err := c.Platform.Standing(ctx, req.GuildID, req.SubmitterID)
	if err != nil {
		return member, newRejection(ReasonSystem, err)
	}
	if standing.Administrator {
		rejection := newRejection(ReasonPermission, nil)
		rejection.Permission = PermissionAdministrator
		return member, rejection
	}

	botStanding, err := c.Platform.BotStanding(ctx, req.GuildID)
	if err != nil {
		return member, newRejection(ReasonSystem, err)
	}
	if !botStanding.ManageNicknames || !botStanding.ManageRoles {
		rejection := newRejection(ReasonPermission, nil)
		rejection.Permission = PermissionBotMissing
		return member, rejection
	}
	if standing.HighestPosition >= botStanding.HighestPosition {
		rejection := newRejection(ReasonPermission, nil)
		rejection.Permission = PermissionHierarchy
		return member, rejection
	}
	return member, nil
}

// checkDuplicate scans the other members' nicknames for the requested
// ID. If no one holds the ID, it returns the display name of a member
// already using the same name, if any.
func (c *Classifier) checkDuplicate(
	ctx context.Context,
	req Request,
	id string,
	name string,
) (string, *RejectionError) {
	members, err := c.Platform.Members(ctx, req.GuildID)
	if err != nil {
		return "", newRejection(ReasonSystem, err)
	}

	var similar string
	for _, m := range members {
		if m.UserID == req.SubmitterID || m.Nickname == "" {
			continue
		}
		if nicknameID(m.Nickname) == id {
			rejection := newRejection(ReasonDuplicate, nil)
			rejection.Holder = m.UserID
			return "", rejection
		}
		if similar == "" && strings.EqualFold(nicknameName(m.Nickname), name) {
			similar = m.DisplayName()
		}
	}
	return similar, nil
}

// apply sets the nickname, then adds the role. A failure of either
// mutation is a system error, with the partial state in out.
func (c *Classifier) apply(
	ctx context.Context,
	req Request,
	member Member,
	out *Outcome,
) *RejectionError {
	applyErr := &ApplyError{}

	if err := c.Platform.SetNickname(ctx, req.GuildID, req.SubmitterID, out.Nickname); err != nil {
		applyErr.NicknameErr = err
	} else {
		applyErr.NicknameApplied = true
	}

	if member.HasRole(c.Config.RoleID) {
		out.RoleAlreadyHeld = true
		applyErr.RoleApplied = true
	} else if err := c.Platform.AddRole(
		ctx,
		req.GuildID,
		req.SubmitterID,
		c.Config.RoleID,
	); err != nil {
		applyErr.RoleErr = err
	} else {
		applyErr.RoleApplied = true
	}

	out.NicknameApplied = applyErr.NicknameApplied
	out.RoleApplied = applyErr.RoleApplied
	if applyErr.NicknameErr != nil || applyErr.RoleErr != nil {
		return newRejection(ReasonSystem, applyErr)
	}
	return nil
}

// notify sends the reactions, direct messages and operator log entries
// for out. Delivery failures are returned, never raised.
func (c *Classifier) notify(ctx context.Context, req Request, out Outcome) []DeliveryResult {
	if c.Notifier == nil {
		return nil
	}
	var results []DeliveryResult
	react := func(emoji string) {
		results = append(results, c.Notifier.React(ctx, req.ChannelID, req.MessageID, emoji))
	}
	dm := func(msg Message, fallback string) {
		var fb *Fallback
		if fallback != "" {
			fb = &Fallback{
				GuildID:   req.GuildID,
				ChannelID: req.ChannelID,
				MessageID: req.MessageID,
				Content:   fallback,
			}
		}
		results = append(results, c.Notifier.DirectMessage(ctx, req.SubmitterID, msg, fb))
	}
	operatorLog := func(msg Message) {
		if c.Config.LogChannelID == "" {
			return
		}
		results = append(results, c.Notifier.OperatorLog(ctx, c.Config.LogChannelID, msg))
	}
	mention := discordUserMention(req.SubmitterID)

	switch out.Reason {
	case ReasonNone:
		react(emojiAccepted)
		dm(
			acceptedMessage(req, out),
			fmt.Sprintf("%s your name was updated, but I couldn't DM you.", mention),
		)
		if out.SimilarNameWarned {
			dm(similarNameMessage(out.SimilarName), "")
		}
		operatorLog(acceptedLogMessage(req, out))
		if out.RegistryErr != nil {
			operatorLog(registryErrorLogMessage(req, out.RegistryErr))
		}
	case ReasonMention:
		react(emojiRejected)
		dm(
			mentionRejectedMessage(req),
			fmt.Sprintf(
				"%s please type your name instead of mentioning someone. "+
					"Format: Name, ID, Rank on separate lines.",
				mention,
			),
		)
	case ReasonCooldown:
		react(emojiCooldown)
		msg := cooldownRejectedMessage(out.Remaining)
		dm(msg, fmt.Sprintf("%s %s", mention, msg.Content))
	case ReasonFormat:
		react(emojiRejected)
		dm(
			formatRejectedMessage(req),
			fmt.Sprintf(
				"%s your request couldn't be read. Format: Name, ID, Rank on separate lines.",
				mention,
			),
		)
	case ReasonPermission:
		if out.Permission != PermissionAdministrator {
			operatorLog(permissionLogMessage(req, out.Permission))
		}
	case ReasonDuplicate:
		react(emojiRejected)
		dm(
			duplicateRejectedMessage(req, out.Fields.ID),
			fmt.Sprintf("%s that ID is already in use by another member.", mention),
		)
		operatorLog(duplicateLogMessage(req, out))
	case ReasonSystem:
		react(emojiError)
		dm(
			systemErrorMessage(req),
			fmt.Sprintf("%s something went wrong, please try again later.", mention),
		)
		operatorLog(systemErrorLogMessage(req, out))
	}
	return results
}

// mentionsSomeone reports whether the request mentions a user, role or
// group, either via the platform's mention syntax or as a bare "@name"
func mentionsSomeone(req Request) bool {
	if len(req.Mentions) > 0 {
		return true
	}
	return userMention.MatchString(req.Content) ||
		roleMention.MatchString(req.Content) ||
		groupMention.MatchString(req.Content) ||
		bareMention.MatchString(req.Content)
}

// nicknameID returns the ID from a "Name | ID" nickname, or an empty
// string. Nicknames set by hand may not be well-formed, so a trailing
// "| ID" is accepted when ParseNickname fails.
func nicknameID(nickname string) string {
	if _, id, ok := ParseNickname(nickname); ok {
		return id
	}
	m := nicknameGameID.FindStringSubmatch(nickname)
	if m == nil {
		return ""
	}
	return m[1]
}

// nicknameName returns the name segment of a "Name | ID" nickname, or
// the whole nickname when it has no ID
func nicknameName(nickname string) string {
	loc := nicknameGameID.FindStringIndex(nickname)
	if loc == nil {
		return strings.TrimSpace(nickname)
	}
	return strings.TrimSpace(nickname[:loc[0]])
}
