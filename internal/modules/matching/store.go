// README: Executor index backed by Redis GEO sets and per-executor hashes.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roadside/internal/types"
)

const (
	geoKeyPrefix     = "matching:executors:%s"
	profileKeyPrefix = "matching:executor:%s"
	priorKeyPrefix   = "matching:requester:%s:executors"
	// Prior-service sets only influence ranking; old history is not worth keeping.
	priorTTL = 180 * 24 * time.Hour
)

// releaseScript frees an executor only if it is still reserved for the given order.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "order_id") == ARGV[1] then
	redis.call("HDEL", KEYS[1], "order_id")
	redis.call("HSET", KEYS[1], "status", ARGV[2])
	return 1
end
return 0
`)

type Store struct {
	redis      *redis.Client
	staleAfter time.Duration
	clock      func() time.Time
}

func NewStore(redis *redis.Client, staleAfter time.Duration) *Store {
	return &Store{redis: redis, staleAfter: staleAfter, clock: time.Now}
}

// UpsertExecutor registers an executor as available at its current position.
func (s *Store) UpsertExecutor(ctx context.Context, p Profile) error {
	if p.ExecutorID == "" {
		return errors.New("executor id required")
	}
	if err := p.Position.Validate(); err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	for _, svc := range p.Services {
		pipe.GeoAdd(ctx, geoKey(svc), &redis.GeoLocation{
			Name:      string(p.ExecutorID),
			Longitude: p.Position.Lng,
			Latitude:  p.Position.Lat,
		})
	}
	pipe.HSet(ctx, profileKey(p.ExecutorID), map[string]interface{}{
		"type":         p.Type,
		"services":     strings.Join(p.Services, ","),
		"rating":       strconv.FormatFloat(p.Rating, 'f', 2, 64),
		"device_token": p.DeviceToken,
		"status":       string(ExecutorAvailable),
		"last_seen":    strconv.FormatInt(s.clock().Unix(), 10),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// UpdatePosition records a location heartbeat.
func (s *Store) UpdatePosition(ctx context.Context, executorID types.ID, pos types.Point) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	services, err := s.services(ctx, executorID)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	for _, svc := range services {
		pipe.GeoAdd(ctx, geoKey(svc), &redis.GeoLocation{
			Name:      string(executorID),
			Longitude: pos.Lng,
			Latitude:  pos.Lat,
		})
	}
	pipe.HSet(ctx, profileKey(executorID), "last_seen", strconv.FormatInt(s.clock().Unix(), 10))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) SetStatus(ctx context.Context, executorID types.ID, status ExecutorStatus) error {
	n, err := s.redis.Exists(ctx, profileKey(executorID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("executor %s not registered", executorID)
	}
	return s.redis.HSet(ctx, profileKey(executorID), "status", string(status)).Err()
}

func (s *Store) RemoveExecutor(ctx context.Context, executorID types.ID) error {
	services, err := s.services(ctx, executorID)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	for _, svc := range services {
		pipe.ZRem(ctx, geoKey(svc), string(executorID))
	}
	pipe.Del(ctx, profileKey(executorID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Search(ctx context.Context, c Criteria) ([]Candidate, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = 50
	}
	locs, err := s.redis.GeoSearchLocation(ctx, geoKey(c.ServiceType), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Location.Lng,
			Latitude:   c.Location.Lat,
			Radius:     float64(c.RadiusM),
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit + len(c.Excluded),
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}

	kept := locs[:0]
	for _, l := range locs {
		if !c.excludes(types.ID(l.Name)) {
			kept = append(kept, l)
		}
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}
	if len(kept) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	profiles := make([]*redis.MapStringStringCmd, len(kept))
	priors := make([]*redis.BoolCmd, len(kept))
	for i, l := range kept {
		profiles[i] = pipe.HGetAll(ctx, profileKey(types.ID(l.Name)))
		if c.RequesterID != "" {
			priors[i] = pipe.SIsMember(ctx, priorKey(c.RequesterID), l.Name)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	out := make([]Candidate, 0, len(kept))
	for i, l := range kept {
		h := profiles[i].Val()
		if len(h) == 0 {
			continue
		}
		rating, _ := strconv.ParseFloat(h["rating"], 64)
		cand := Candidate{
			ExecutorID: types.ID(l.Name),
			Type:       h["type"],
			Position:   types.Point{Lat: l.Latitude, Lng: l.Longitude},
			DistanceM:  l.Dist,
			Rating:     rating,
			LastSeen:   unixField(h["last_seen"]),
		}
		if priors[i] != nil {
			cand.Prior = priors[i].Val()
		}
		out = append(out, cand)
	}
	return out, nil
}

func (s *Store) CheckAvailability(ctx context.Context, executorID types.ID) (Availability, error) {
	h, err := s.redis.HGetAll(ctx, profileKey(executorID)).Result()
	if err != nil {
		return Availability{}, err
	}
	return availabilityOf(h, s.clock(), s.staleAfter), nil
}

func availabilityOf(h map[string]string, now time.Time, staleAfter time.Duration) Availability {
	if len(h) == 0 {
		return Availability{Reason: reasonUnknown}
	}
	if st := ExecutorStatus(h["status"]); st != ExecutorAvailable {
		return Availability{Reason: string(st)}
	}
	if h["order_id"] != "" {
		return Availability{Reason: string(ExecutorBusy)}
	}
	if staleAfter > 0 && now.Sub(unixField(h["last_seen"])) > staleAfter {
		return Availability{Reason: reasonStale}
	}
	return Availability{Available: true}
}

func (s *Store) Reserve(ctx context.Context, executorID, orderID types.ID) error {
	return s.redis.HSet(ctx, profileKey(executorID),
		"status", string(ExecutorBusy),
		"order_id", string(orderID),
	).Err()
}

func (s *Store) Release(ctx context.Context, executorID, orderID types.ID) error {
	return releaseScript.Run(ctx, s.redis,
		[]string{profileKey(executorID)},
		string(orderID), string(ExecutorAvailable),
	).Err()
}

func (s *Store) RecordService(ctx context.Context, requesterID, executorID types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, priorKey(requesterID), string(executorID))
	pipe.Expire(ctx, priorKey(requesterID), priorTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) DeviceToken(ctx context.Context, executorID types.ID) (string, error) {
	tok, err := s.redis.HGet(ctx, profileKey(executorID), "device_token").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (s *Store) services(ctx context.Context, executorID types.ID) ([]string, error) {
	raw, err := s.redis.HGet(ctx, profileKey(executorID), "services").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("executor %s not registered", executorID)
	}
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, ","), nil
}

func unixField(v string) time.Time {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func geoKey(serviceType string) string {
	return fmt.Sprintf(geoKeyPrefix, serviceType)
}

func profileKey(id types.ID) string {
	return fmt.Sprintf(profileKeyPrefix, string(id))
}

func priorKey(requesterID types.ID) string {
	return fmt.Sprintf(priorKeyPrefix, string(requesterID))
}
