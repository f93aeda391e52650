package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"perimeter/pkg/database"
	"perimeter/pkg/typing"
)

// RedisBaselineStore keeps one hash per user: avg_dwell, avg_flight, samples.
type RedisBaselineStore struct {
	rdb    *redis.Client
	alpha  float64
	ttl    time.Duration
	prefix string
}

func NewRedisBaselineStore(rdb *redis.Client, alpha float64, ttl time.Duration) *RedisBaselineStore {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &RedisBaselineStore{rdb: rdb, alpha: alpha, ttl: ttl, prefix: "typing:baseline:"}
}

func (s *RedisBaselineStore) key(userID string) string { return s.prefix + userID }

func (s *RedisBaselineStore) Get(ctx context.Context, userID string) (Baseline, error) {
	return s.read(ctx, s.rdb, userID)
}

func (s *RedisBaselineStore) read(ctx context.Context, c redis.Cmdable, userID string) (Baseline, error) {
	vals, err := c.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return Baseline{}, fmt.Errorf("read baseline: %w", err)
	}
	return parseBaseline(vals)
}

// updateBaseline applies blend atomically: the first sample replaces the
// defaults, later ones move the average by alpha. An empty mean leaves that
// field unchanged.
var updateBaseline = redis.NewScript(`
local key = KEYS[1]
local alpha = tonumber(ARGV[1])
local dwell = tonumber(ARGV[2])
local flight = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'avg_dwell', 'avg_flight', 'samples')
local avgDwell = tonumber(state[1]) or tonumber(ARGV[5])
local avgFlight = tonumber(state[2]) or tonumber(ARGV[6])
local samples = tonumber(state[3]) or 0

if samples == 0 then
  alpha = 1
end
if dwell then
  avgDwell = alpha * dwell + (1 - alpha) * avgDwell
end
if flight then
  avgFlight = alpha * flight + (1 - alpha) * avgFlight
end
samples = samples + 1

redis.call('HSET', key, 'avg_dwell', tostring(avgDwell), 'avg_flight', tostring(avgFlight), 'samples', samples)
if ttl > 0 then
  redis.call('PEXPIRE', key, ttl)
end
return {tostring(avgDwell), tostring(avgFlight), tostring(samples)}
`)

// Update folds f into the stored baseline in one script call, so concurrent
// batches for a user are all counted.
func (s *RedisBaselineStore) Update(ctx context.Context, userID string, f typing.Features) (Baseline, error) {
	res, err := updateBaseline.Run(ctx, s.rdb, []string{s.key(userID)},
		s.alpha,
		meanArg(f.Dwell),
		meanArg(f.Flight),
		s.ttl.Milliseconds(),
		DefaultBaseline.AvgDwell,
		DefaultBaseline.AvgFlight,
	).StringSlice()
	if err != nil {
		return Baseline{}, fmt.Errorf("update baseline: %w", err)
	}
	if len(res) != 3 {
		return Baseline{}, fmt.Errorf("update baseline: unexpected result %v", res)
	}
	return parseBaseline(map[string]string{
		"avg_dwell":  res[0],
		"avg_flight": res[1],
		"samples":    res[2],
	})
}

func meanArg(st typing.Stats) string {
	if st.Count == 0 {
		return ""
	}
	return strconv.FormatFloat(st.Mean, 'f', -1, 64)
}

func parseBaseline(vals map[string]string) (Baseline, error) {
	if len(vals) == 0 {
		return DefaultBaseline, nil
	}
	b := DefaultBaseline
	var err error
	if v, ok := vals["avg_dwell"]; ok {
		if b.AvgDwell, err = strconv.ParseFloat(v, 64); err != nil {
			return DefaultBaseline, fmt.Errorf("parse avg_dwell: %w", err)
		}
	}
	if v, ok := vals["avg_flight"]; ok {
		if b.AvgFlight, err = strconv.ParseFloat(v, 64); err != nil {
			return DefaultBaseline, fmt.Errorf("parse avg_flight: %w", err)
		}
	}
	if v, ok := vals["samples"]; ok {
		if b.Samples, err = strconv.Atoi(v); err != nil {
			return DefaultBaseline, fmt.Errorf("parse samples: %w", err)
		}
	}
	return b, nil
}

// PostgresResultStore writes to typing_analyses.
type PostgresResultStore struct {
	pool *database.Pool
}

func NewPostgresResultStore(pool *database.Pool) *PostgresResultStore {
	return &PostgresResultStore{pool: pool}
}

func (s *PostgresResultStore) SaveAnalysis(ctx context.Context, a Analysis) error {
	_, err := s.pool.ExecContext(ctx, `
		INSERT INTO typing_analyses (id, user_id, event_count, dwell_mean, flight_mean, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.Features.Events, a.Features.Dwell.Mean, a.Features.Flight.Mean, a.RiskScore, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}
