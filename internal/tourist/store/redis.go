package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/example/touristwatch/internal/tourist/domain"
)

const defaultKeyPrefix = "tourist:"

// Redis GEO cells only accept these latitudes.
const maxGeoLatitude = 85.05112878

// RedisStore keeps positions in a hash, insertion order in a sorted set and
// valid coordinates mirrored in a GEO set for radius queries.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a Redis-backed position store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) positionsKey() string { return r.prefix + "positions" }
func (r *RedisStore) orderKey() string     { return r.prefix + "order" }
func (r *RedisStore) seqKey() string       { return r.prefix + "seq" }
func (r *RedisStore) geoKey() string       { return r.prefix + "geo" }

// Upsert writes the position and keeps the first-seen order of the id.
func (r *RedisStore) Upsert(ctx context.Context, pos domain.TouristPosition) error {
	if pos.ID == "" {
		return domain.ErrEmptyID
	}
	encoded, err := encodePosition(pos)
	if err != nil {
		return err
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.positionsKey(), pos.ID, encoded)
		pipe.ZAddNX(ctx, r.orderKey(), redis.Z{Score: float64(seq), Member: pos.ID})
		if validGeo(pos.Latitude, pos.Longitude) {
			pipe.GeoAdd(ctx, r.geoKey(), &redis.GeoLocation{Name: pos.ID, Latitude: pos.Latitude, Longitude: pos.Longitude})
		} else {
			pipe.ZRem(ctx, r.geoKey(), pos.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert %s: %w", pos.ID, err)
	}
	return nil
}

// Snapshot returns positions in first-seen order.
func (r *RedisStore) Snapshot(ctx context.Context) ([]domain.TouristPosition, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	if len(ids) == 0 {
		return []domain.TouristPosition{}, nil
	}
	values, err := r.client.HMGet(ctx, r.positionsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	res := make([]domain.TouristPosition, 0, len(ids))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		pos, err := decodePosition(ids[i], s)
		if err != nil {
			return nil, err
		}
		res = append(res, pos)
	}
	return res, nil
}

// Get returns one tourist's position.
func (r *RedisStore) Get(ctx context.Context, id string) (domain.TouristPosition, error) {
	raw, err := r.client.HGet(ctx, r.positionsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return domain.TouristPosition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TouristPosition{}, fmt.Errorf("redis hget: %w", err)
	}
	return decodePosition(id, raw)
}

// Size returns the number of distinct ids.
func (r *RedisStore) Size(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.positionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen: %w", err)
	}
	return int(n), nil
}

// Prune removes positions observed before cutoff.
func (r *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, pos := range snapshot {
		if pos.Timestamp.Before(cutoff) {
			stale = append(stale, pos.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.positionsKey(), stale...)
		pipe.ZRem(ctx, r.orderKey(), members...)
		pipe.ZRem(ctx, r.geoKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis prune: %w", err)
	}
	return len(stale), nil
}

// Reset deletes every key owned by the store.
func (r *RedisStore) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.positionsKey(), r.orderKey(), r.seqKey(), r.geoKey()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Nearby returns the ids within radiusKM of the point, closest first.
func (r *RedisStore) Nearby(ctx context.Context, lat, lon, radiusKM float64, limit int) ([]string, error) {
	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}
	results, err := r.client.GeoSearchLocation(ctx, r.geoKey(), query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.Name)
	}
	return ids, nil
}

func validGeo(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return math.Abs(lat) <= maxGeoLatitude && math.Abs(lon) <= 180
}

type record struct {
	Lat       recordFloat `json:"lat"`
	Lon       recordFloat `json:"lon"`
	Score     recordFloat `json:"score"`
	Timestamp time.Time   `json:"ts"`
}

// recordFloat writes non-finite values as the strings "NaN", "+Inf" and
// "-Inf" so they survive the JSON round trip.
type recordFloat float64

func (f recordFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return json.Marshal(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *recordFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = recordFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = recordFloat(v)
	return nil
}

func encodePosition(pos domain.TouristPosition) (string, error) {
	b, err := json.Marshal(record{
		Lat:       recordFloat(pos.Latitude),
		Lon:       recordFloat(pos.Longitude),
		Score:     recordFloat(pos.SafetyScore),
		Timestamp: pos.Timestamp.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode position %s: %w", pos.ID, err)
	}
	return string(b), nil
}

var errCorruptRecord = errors.New("corrupt position record")

func decodePosition(id, raw string) (domain.TouristPosition, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.TouristPosition{}, fmt.Errorf("%w: %s: %v", errCorruptRecord, id, err)
	}
	return domain.TouristPosition{
		ID:          id,
		Latitude:    float64(rec.Lat),
		Longitude:   float64(rec.Lon),
		SafetyScore: float64(rec.Score),
		Timestamp:   rec.Timestamp,
	}, nil
}
