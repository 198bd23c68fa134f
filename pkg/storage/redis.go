package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klazomenai/splash-gate/pkg/gate"
)

const (
	// Key prefix for run records; states live under <prefix><id>:states
	runPrefix = "gate:run:"
	// Suffix for the per-run state list
	statesSuffix = ":states"
	// Set of runs that have not closed yet
	activeRunsKey = "gate:runs:active"
	// Sorted set of run IDs scored by start time
	recentRunsKey = "gate:runs:recent"

	// DefaultRunTTL is how long a run and its states are kept.
	DefaultRunTTL = time.Hour
)

// Run statuses
const (
	StatusRunning = "running"
	StatusClosed  = "closed"
)

// ErrRunNotFound is returned when a run record is missing or expired.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is the stored summary of one gate run.
type RunRecord struct {
	ID        string       `json:"id"`
	Source    string       `json:"source"`
	Assets    []gate.Asset `json:"assets"`
	Status    string       `json:"status"`
	Result    *gate.Result `json:"result,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	ClosedAt  *time.Time   `json:"closed_at,omitempty"`
}

// RunStore persists gate runs and their state streams in Redis.
type RunStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunStore connects to Redis and verifies the connection.
func NewRunStore(addr, password string, db int, ttl time.Duration) (*RunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRunStoreWithClient(client, ttl), nil
}

// NewRunStoreWithClient wraps an existing client.
func NewRunStoreWithClient(client *redis.Client, ttl time.Duration) *RunStore {
	if ttl <= 0 {
		ttl = DefaultRunTTL
	}
	return &RunStore{client: client, ttl: ttl}
}

// TTL returns the retention of run records.
func (s *RunStore) TTL() time.Duration {
	return s.ttl
}

// CreateRun stores a new running record and indexes it.
func (s *RunStore) CreateRun(ctx context.Context, rec *RunRecord) error {
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.putRun(ctx, rec); err != nil {
		return err
	}

	if err := s.client.SAdd(ctx, activeRunsKey, rec.ID).Err(); err != nil {
		return fmt.Errorf("failed to add to active runs: %w", err)
	}
	score := float64(rec.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, recentRunsKey, redis.Z{Score: score, Member: rec.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index run: %w", err)
	}
	return nil
}

func (s *RunStore) putRun(ctx context.Context, rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := s.client.Set(ctx, runPrefix+rec.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// RecordState appends one emitted state to the run's stream.
func (s *RunStore) RecordState(ctx context.Context, runID string, st gate.State) error {
	key := runPrefix + runID + statesSuffix
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append state: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set expiry on states: %w", err)
	}
	return nil
}

// GetStates returns the states recorded from index from onwards.
func (s *RunStore) GetStates(ctx context.Context, runID string, from int) ([]gate.State, error) {
	if from < 0 {
		from = 0
	}
	raw, err := s.client.LRange(ctx, runPrefix+runID+statesSuffix, int64(from), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get states: %w", err)
	}
	states := make([]gate.State, 0, len(raw))
	for _, item := range raw {
		var st gate.State
		if err := json.Unmarshal([]byte(item), &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		states = append(states, st)
	}
	return states, nil
}

// CompleteRun attaches the result and removes the run from the active set.
func (s *RunStore) CompleteRun(ctx context.Context, runID string, res gate.Result) error {
	rec, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.Status = StatusClosed
	rec.Result = &res
	rec.ClosedAt = &now
	if err := s.putRun(ctx, rec); err != nil {
		return err
	}
	if err := s.client.SRem(ctx, activeRunsKey, runID).Err(); err != nil {
		return fmt.Errorf("failed to remove from active runs: %w", err)
	}
	return nil
}

// GetRun loads a run record.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, runPrefix+runID).Result()
	if err == redis.Nil {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &rec, nil
}

// ListRecentRuns returns up to limit runs, newest first. Index entries whose
// record has expired are removed.
func (s *RunStore) ListRecentRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, recentRunsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*RunRecord, 0, min(len(ids), max(limit, 0)))
	for _, id := range ids {
		if limit > 0 && len(runs) >= limit {
			break
		}
		rec, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			// Record expired, remove from indexes
			s.client.ZRem(ctx, recentRunsKey, id)
			s.client.SRem(ctx, activeRunsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, nil
}

// CountActiveRuns returns the number of runs still open. Runs whose record
// expired without closing are pruned.
func (s *RunStore) CountActiveRuns(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, activeRunsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get active runs: %w", err)
	}
	count := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, runPrefix+id).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to check run: %w", err)
		}
		if n == 0 {
			s.client.SRem(ctx, activeRunsKey, id)
			continue
		}
		count++
	}
	return count, nil
}

// CountRecentRuns returns the number of runs started within the retention
// window, trimming older index entries.
func (s *RunStore) CountRecentRuns(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.ttl).UnixNano()
	if err := s.client.ZRemRangeByScore(ctx, recentRunsKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return 0, fmt.Errorf("failed to trim recent runs: %w", err)
	}
	n, err := s.client.ZCard(ctx, recentRunsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count recent runs: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis connection
func (s *RunStore) Close() error {
	return s.client.Close()
}

// Health checks Redis connection health
func (s *RunStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
