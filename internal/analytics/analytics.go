// Package analytics records per-check counters in Redis and answers
// aggregate queries over them. Everything here is advisory: a recording
// failure is logged and dropped, never surfaced to the caller of a check.
package analytics

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Retention windows for the various counter families.
const (
	minuteRetention = time.Hour
	statusRetention = 24 * time.Hour
	keyRetention    = 30 * 24 * time.Hour
	dailyRetention  = 30 * 24 * time.Hour
)

// Stats is the aggregate view served by /v1/analytics/stats.
type Stats struct {
	RequestsToday   int64 `json:"requests_today"`
	AllowedLastHour int64 `json:"allowed_last_hour"`
	DeniedLastHour  int64 `json:"denied_last_hour"`
	TrackedKeys     int   `json:"tracked_keys"`
}

// KeyMetric summarizes one rate-limit key's traffic.
type KeyMetric struct {
	Key         string  `json:"key"`
	Count       int64   `json:"count"`
	SuccessRate float64 `json:"success_rate"`
	LastSeen    string  `json:"last_seen"`
}

type Recorder struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	log    zerolog.Logger
}

func NewRecorder(client redis.UniversalClient, prefix string, log zerolog.Logger) *Recorder {
	if prefix == "" {
		prefix = "quotad"
	}
	return &Recorder{client: client, prefix: prefix + ":analytics:", now: time.Now, log: log}
}

// Record notes one check outcome for key. All counters go through a single
// pipeline round-trip.
func (r *Recorder) Record(ctx context.Context, key string, allowed bool) {
	if r == nil {
		return
	}
	now := r.now().Unix()
	minute := now / 60
	day := now / 86400

	status := "denied"
	if allowed {
		status = "allowed"
	}

	minuteKey := r.prefix + "minute:" + strconv.FormatInt(minute, 10) + ":" + key
	statusKey := r.prefix + "status:" + status + ":" + strconv.FormatInt(minute, 10)
	statsKey := r.prefix + "key_stats:" + key
	dailyKey := r.prefix + "daily:" + strconv.FormatInt(day, 10)

	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, minuteKey)
		pipe.Expire(ctx, minuteKey, minuteRetention)
		pipe.Incr(ctx, statusKey)
		pipe.Expire(ctx, statusKey, statusRetention)
		pipe.HIncrBy(ctx, statsKey, "total_requests", 1)
		if allowed {
			pipe.HIncrBy(ctx, statsKey, "allowed_requests", 1)
		}
		pipe.HSet(ctx, statsKey, "last_seen", now)
		pipe.Expire(ctx, statsKey, keyRetention)
		pipe.Incr(ctx, dailyKey)
		pipe.Expire(ctx, dailyKey, dailyRetention)
		return nil
	})
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("analytics record dropped")
	}
}

// Stats aggregates today's total, the last hour of allow/deny counters, and
// the number of tracked keys.
func (r *Recorder) Stats(ctx context.Context) (Stats, error) {
	now := r.now().Unix()
	var out Stats

	if v, err := r.client.Get(ctx, r.prefix+"daily:"+strconv.FormatInt(now/86400, 10)).Int64(); err == nil {
		out.RequestsToday = v
	} else if !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	minute := now / 60
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := int64(0); i < 60; i++ {
			m := strconv.FormatInt(minute-i, 10)
			pipe.Get(ctx, r.prefix+"status:allowed:"+m)
			pipe.Get(ctx, r.prefix+"status:denied:"+m)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}
	for i, cmd := range cmds {
		v, err := cmd.(*redis.StringCmd).Int64()
		if err != nil {
			continue
		}
		if i%2 == 0 {
			out.AllowedLastHour += v
		} else {
			out.DeniedLastHour += v
		}
	}

	iter := r.client.Scan(ctx, 0, r.prefix+"key_stats:*", 256).Iterator()
	for iter.Next(ctx) {
		out.TrackedKeys++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// TopKeys returns the busiest keys by total request count, most active
// first.
func (r *Recorder) TopKeys(ctx context.Context, limit int) ([]KeyMetric, error) {
	if limit <= 0 {
		limit = 10
	}

	metrics := []KeyMetric{}
	iter := r.client.Scan(ctx, 0, r.prefix+"key_stats:*", 256).Iterator()
	for iter.Next(ctx) {
		statsKey := iter.Val()
		fields, err := r.client.HGetAll(ctx, statsKey).Result()
		if err != nil {
			return nil, err
		}
		total, _ := strconv.ParseInt(fields["total_requests"], 10, 64)
		allowed, _ := strconv.ParseInt(fields["allowed_requests"], 10, 64)
		if total == 0 {
			continue
		}
		lastSeen := ""
		if ts, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
			lastSeen = time.Unix(ts, 0).UTC().Format(time.RFC3339)
		}
		metrics = append(metrics, KeyMetric{
			Key:         statsKey[len(r.prefix)+len("key_stats:"):],
			Count:       total,
			SuccessRate: float64(allowed) / float64(total),
			LastSeen:    lastSeen,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].Count > metrics[j].Count })
	if len(metrics) > limit {
		metrics = metrics[:limit]
	}
	return metrics, nil
}
