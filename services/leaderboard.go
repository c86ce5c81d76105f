package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cppla/carbonboard/models"
)

const (
	leaderboardCachePrefix = "cache:leaderboard:"
	leaderboardFillSuffix  = ":fill"
)

// LeaderboardEntry is one ranked user.
type LeaderboardEntry struct {
	Rank        int     `json:"rank"`
	UserID      string  `json:"userId"`
	WeeklyScore float64 `json:"weeklyScore"`
	OffsetGrams float64 `json:"offsetGrams"`
	NetScore    float64 `json:"netScore"`
}

// Standing is a user's place on the current leaderboard.
type Standing struct {
	UserID     string  `json:"userId"`
	Week       string  `json:"week"`
	Position   int     `json:"position"`
	TotalUsers int     `json:"totalUsers"`
	Percentile float64 `json:"percentile"`
	NetScore   float64 `json:"netScore"`
}

// Leaderboard is the ranked view of one week.
type Leaderboard struct {
	Week       string             `json:"week"`
	TotalUsers int                `json:"totalUsers"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// Rank orders records by ascending net score (lower emissions first), then by user id.
// WeeklyScore already has offsets subtracted, so NetScore equals it.
func Rank(records []models.WeeklyRecord) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, LeaderboardEntry{
			UserID:      r.UserID,
			WeeklyScore: r.WeeklyScore,
			OffsetGrams: r.OffsetGrams,
			NetScore:    r.WeeklyScore,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].NetScore != entries[j].NetScore {
			return entries[i].NetScore < entries[j].NetScore
		}
		return entries[i].UserID < entries[j].UserID
	})
	for idx := range entries {
		entries[idx].Rank = idx + 1
	}
	return entries
}

// Position returns the 1-based rank of userID.
func Position(entries []LeaderboardEntry, userID string) (int, bool) {
	for _, e := range entries {
		if e.UserID == userID {
			return e.Rank, true
		}
	}
	return 0, false
}

// Percentile is the share of users ranked below position, in percent.
func Percentile(position, total int) (float64, error) {
	if total <= 0 {
		return 0, ErrEmptyLeaderboard
	}
	if position < 1 || position > total {
		return 0, fmt.Errorf("%w: position %d outside 1..%d", ErrValidation, position, total)
	}
	return float64(total-position) / float64(total) * 100, nil
}

// LeaderboardService serves ranked views of the current week, cached when a cache is configured.
type LeaderboardService struct {
	store RecordStore
	opts  Options
	ttl   time.Duration
	log   *zap.Logger
}

// NewLeaderboardService wires the service. ttl <= 0 disables caching.
func NewLeaderboardService(store RecordStore, ttl time.Duration, opts Options) *LeaderboardService {
	opts = opts.withDefaults()
	return &LeaderboardService{
		store: store,
		opts:  opts,
		ttl:   ttl,
		log:   opts.Logger.With(zap.String("component", "leaderboard")),
	}
}

// CurrentWeek returns the week the leaderboard ranks.
func (s *LeaderboardService) CurrentWeek() models.Week {
	return models.WeekOf(s.opts.Clock().In(s.opts.Location))
}

// Leaderboard ranks the current week's live records.
func (s *LeaderboardService) Leaderboard(ctx context.Context) (*Leaderboard, error) {
	week := s.CurrentWeek()
	key := leaderboardCachePrefix + week.String()

	if s.ttl > 0 {
		if b, ok := s.opts.Cache.GetBytes(ctx, key); ok {
			var lb Leaderboard
			if err := json.Unmarshal(b, &lb); err == nil {
				return &lb, nil
			}
			s.log.Warn("discarding unreadable leaderboard cache entry", zap.String("key", key))
		}
	}

	// The fill marker shares the week prefix, so an invalidation during the
	// query removes it and the stale snapshot is not written back.
	fillKey := key + leaderboardFillSuffix
	token := uuid.NewString()
	if s.ttl > 0 {
		s.opts.Cache.SetJSON(ctx, fillKey, token, s.ttl)
	}

	recs, err := s.store.QueryByWeek(ctx, week)
	if err != nil {
		return nil, err
	}
	entries := Rank(recs)
	lb := &Leaderboard{Week: week.String(), TotalUsers: len(entries), Entries: entries}
	if s.ttl > 0 && s.ownsFill(ctx, fillKey, token) {
		s.opts.Cache.SetJSON(ctx, key, lb, s.ttl)
	}
	return lb, nil
}

func (s *LeaderboardService) ownsFill(ctx context.Context, fillKey, token string) bool {
	b, ok := s.opts.Cache.GetBytes(ctx, fillKey)
	if !ok {
		s.log.Debug("leaderboard invalidated during read, not caching", zap.String("key", fillKey))
		return false
	}
	var current string
	return json.Unmarshal(b, &current) == nil && current == token
}

// Standing returns userID's position and percentile on the current leaderboard.
func (s *LeaderboardService) Standing(ctx context.Context, userID string) (*Standing, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	lb, err := s.Leaderboard(ctx)
	if err != nil {
		return nil, err
	}
	pos, ok := Position(lb.Entries, userID)
	if !ok {
		return nil, fmt.Errorf("user %s on leaderboard %s: %w", userID, lb.Week, ErrNotFound)
	}
	pct, err := Percentile(pos, lb.TotalUsers)
	if err != nil {
		return nil, err
	}
	return &Standing{
		UserID:     userID,
		Week:       lb.Week,
		Position:   pos,
		TotalUsers: lb.TotalUsers,
		Percentile: pct,
		NetScore:   lb.Entries[pos-1].NetScore,
	}, nil
}

func invalidateLeaderboard(ctx context.Context, cache Cache, week models.Week) {
	if cache == nil {
		return
	}
	cache.InvalidateByPrefix(ctx, leaderboardCachePrefix+week.String())
}
