package slayers

import (
	"context"
	"fmt"
	"gorm.io/gorm"
	"log/slog"
	"time"
)

const requestStatsWindow = 24 * time.Hour

// RequestLog is the audit record of a single classified request
type RequestLog struct {
	ModelUintID

	MessageID   string `gorm:"index" json:"message_id"`
	ChannelID   string `json:"channel_id"`
	GuildID     string `json:"guild_id,omitempty"`
	SubmitterID string `gorm:"index" json:"submitter_id"`
	Username    string `json:"username,omitempty"`
	Content     string `json:"content"`

	Accepted   bool   `json:"accepted"`
	Reason     string `gorm:"index" json:"reason,omitempty"`
	Permission string `json:"permission,omitempty"`
	Grammar    string `json:"grammar,omitempty"`

	Name             string `json:"name,omitempty"`
	GameID           string `json:"game_id,omitempty"`
	Rank             string `json:"rank,omitempty"`
	Nickname         string `json:"nickname,omitempty"`
	PreviousNickname string `json:"previous_nickname,omitempty"`

	NicknameApplied   bool `json:"nickname_applied"`
	RoleApplied       bool `json:"role_applied"`
	RecordSaved       bool `json:"record_saved"`
	SimilarNameWarned bool `json:"similar_name_warned"`

	// CooldownRemaining is in milliseconds
	CooldownRemaining int64  `json:"cooldown_remaining,omitempty"`
	Holder            string `json:"holder,omitempty"`
	Error             string `json:"error,omitempty"`

	// DeliveryFailures counts the notifications that weren't delivered
	// (including those that fell back to a channel reply)
	DeliveryFailures int `json:"delivery_failures"`

	// ReceivedAt is the message timestamp, in unix milliseconds
	ReceivedAt int64 `json:"received_at"`

	ModelUnixTime
}

func (r RequestLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("message_id", r.MessageID),
		slog.String(columnSubmitterID, r.SubmitterID),
		slog.Bool("accepted", r.Accepted),
		slog.String("reason", r.Reason),
	)
}

// NewRequestLog builds the audit record for a request and its outcome
func NewRequestLog(req Request, out Outcome) RequestLog {
	entry := RequestLog{
		MessageID:         req.MessageID,
		ChannelID:         req.ChannelID,
		GuildID:           req.GuildID,
		SubmitterID:       req.SubmitterID,
		Username:          req.Username,
		Content:           truncate(req.Content, 2000),
		Accepted:          out.Accepted,
		Reason:            string(out.Reason),
		Permission:        string(out.Permission),
		Grammar:           out.Grammar,
		Name:              out.SanitizedName,
		GameID:            out.Fields.ID,
		Rank:              out.Fields.Rank,
		Nickname:          out.Nickname,
		PreviousNickname:  out.PreviousNickname,
		NicknameApplied:   out.NicknameApplied,
		RoleApplied:       out.RoleApplied,
		RecordSaved:       out.RecordSaved,
		SimilarNameWarned: out.SimilarNameWarned,
		CooldownRemaining: out.Remaining.Milliseconds(),
		Holder:            out.Holder,
		ReceivedAt:        req.ReceivedAt.UnixMilli(),
	}
	if entry.Name == "" {
		entry.Name = out.Fields.Name
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
	}
	for _, d := range out.Deliveries {
		if !d.Delivered {
			entry.DeliveryFailures++
		}
	}
	return entry
}

// RequestStats summarizes the request audit log
type RequestStats struct {
	Total    int64            `json:"total"`
	Accepted int64            `json:"accepted"`
	Rejected map[string]int64 `json:"rejected"`

	// Last24Hours counts requests received in the last 24 hours
	Last24Hours int64 `json:"last_24_hours"`

	// Members is the number of registry records
	Members int64 `json:"members"`
}

func (s RequestStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("total", s.Total),
		slog.Int64("accepted", s.Accepted),
		slog.Any("rejected", s.Rejected),
		slog.Int64("last_24_hours", s.Last24Hours),
		slog.Int64("members", s.Members),
	)
}

type reasonCount struct {
	Reason string
	Count  int64
}

// getRequestStats counts requests by outcome, along with the number of
// registry records
func getRequestStats(ctx context.Context, db *gorm.DB, now time.Time) (RequestStats, error) {
	stats := RequestStats{Rejected: map[string]int64{}}
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()
	db = db.WithContext(ctx)

	var counts []reasonCount
	rv := db.Model(&RequestLog{}).
		Select("reason, count(*) as count").
		Group("reason").
		Scan(&counts)
	if rv.Error != nil {
		return stats, fmt.Errorf("error counting requests: %w", rv.Error)
	}
	for _, c := range counts {
		stats.Total += c.Count
		if c.Reason == string(ReasonNone) {
			stats.Accepted += c.Count
			continue
		}
		stats.Rejected[c.Reason] = c.Count
	}

	rv = db.Model(&RequestLog{}).
		Where("received_at >= ?", now.Add(-requestStatsWindow).UnixMilli()).
		Count(&stats.Last24Hours)
	if rv.Error != nil {
		return stats, fmt.Errorf("error counting recent requests: %w", rv.Error)
	}

	rv = db.Model(&MemberRecord{}).Count(&stats.Members)
	if rv.Error != nil {
		return stats, fmt.Errorf("error counting members: %w", rv.Error)
	}
	return stats, nil
}

// recentRequests returns the latest request logs for a submitter, newest
// first
func recentRequests(
	ctx context.Context,
	db *gorm.DB,
	submitterID string,
	limit int,
) ([]RequestLog, error) {
	logs := []RequestLog{}
	rv := db.WithContext(ctx).
		Where(columnSubmitterID+" = ?", submitterID).
		Order("id desc").
		Limit(limit).
		Find(&logs)
	return logs, rv.Error
}
