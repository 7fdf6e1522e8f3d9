// Package cache keeps recently resolved visit calendars in Redis so the
// API can serve repeat reads without re-running resolution.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trial-visit-engine/internal/config"
	"github.com/trial-visit-engine/internal/domain"
)

// CalendarCache wraps Redis with caching for resolved patient calendars
// and study-level event sequences.
type CalendarCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
	log        *logrus.Logger
}

// NewCalendarCache connects to Redis using the configured URL.
func NewCalendarCache(cfg *config.CacheConfig, log *logrus.Logger) (*CalendarCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &CalendarCache{
		redis:      client,
		defaultTTL: cfg.DefaultTTL,
		log:        log,
	}, nil
}

// cachedCalendar wraps a resolution with cache metadata.
type cachedCalendar struct {
	Resolution *domain.PatientResolution `json:"resolution"`
	CachedAt   time.Time                 `json:"cached_at"`
	ExpiresAt  time.Time                 `json:"expires_at"`
}

// cachedStudyEvents wraps a study-level sequence with cache metadata.
type cachedStudyEvents struct {
	Resolution *domain.StudyResolution `json:"resolution"`
	CachedAt   time.Time               `json:"cached_at"`
	ExpiresAt  time.Time               `json:"expires_at"`
}

func calendarKey(study, patientID string) string {
	return fmt.Sprintf("calendar:%s:%s", study, patientID)
}

func studyEventsKey(study string) string {
	return fmt.Sprintf("study-events:%s", study)
}

// GetCalendar retrieves a cached patient calendar. The second return is
// false on a miss.
func (c *CalendarCache) GetCalendar(ctx context.Context, study, patientID string) (*domain.PatientResolution, bool, error) {
	key := calendarKey(study, patientID)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting cached calendar: %w", err)
	}

	var cached cachedCalendar
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Corrupted entry; drop it and treat as a miss.
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return cached.Resolution, true, nil
}

// SetCalendar caches a resolved patient calendar.
func (c *CalendarCache) SetCalendar(ctx context.Context, resolution *domain.PatientResolution, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	cached := cachedCalendar{
		Resolution: resolution,
		CachedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshaling calendar cache entry: %w", err)
	}

	return c.redis.Set(ctx, calendarKey(resolution.Study, resolution.PatientID), jsonData, ttl).Err()
}

// GetStudyEvents retrieves a cached study-level event sequence.
func (c *CalendarCache) GetStudyEvents(ctx context.Context, study string) (*domain.StudyResolution, bool, error) {
	key := studyEventsKey(study)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting cached study events: %w", err)
	}

	var cached cachedStudyEvents
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return cached.Resolution, true, nil
}

// SetStudyEvents caches a study-level event sequence.
func (c *CalendarCache) SetStudyEvents(ctx context.Context, resolution *domain.StudyResolution, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	cached := cachedStudyEvents{
		Resolution: resolution,
		CachedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshaling study events cache entry: %w", err)
	}

	return c.redis.Set(ctx, studyEventsKey(resolution.Study), jsonData, ttl).Err()
}

// InvalidatePatient removes the cached calendar for one patient. New visit
// events or a status change make the cached calendar stale immediately.
func (c *CalendarCache) InvalidatePatient(ctx context.Context, study, patientID string) error {
	return c.redis.Del(ctx, calendarKey(study, patientID)).Err()
}

// InvalidateStudy removes every cached calendar under one study.
func (c *CalendarCache) InvalidateStudy(ctx context.Context, study string) error {
	pattern := fmt.Sprintf("calendar:%s:*", study)
	keys, err := c.redis.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("listing keys for study %s: %w", study, err)
	}

	keys = append(keys, studyEventsKey(study))
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidating study %s: %w", study, err)
	}

	c.log.WithFields(logrus.Fields{
		"study": study,
		"keys":  len(keys),
	}).Debug("Study cache invalidated")
	return nil
}

// Health pings Redis.
func (c *CalendarCache) Health(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *CalendarCache) Close() error {
	return c.redis.Close()
}
