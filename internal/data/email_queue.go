package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Email queue key layout. Each index is a physically distinct sorted
// set; a job id lives in exactly one of them at any observation point.
const (
	emailJobKeyPrefix  = "mailguard:email:jobs:"
	emailQueueKey      = "mailguard:email:queue"
	emailProcessingKey = "mailguard:email:processing"
	emailRetryKey      = "mailguard:email:retry_queue"
	emailDeadLetterKey = "mailguard:email:dead_letter"

	// jobRetention caps how long a job blob survives regardless of
	// status; dead-letter purging normally removes it first.
	jobRetention = 14 * 24 * time.Hour
)

// RedisEmailQueueRepo implements biz.EmailQueueRepo on Redis. Job
// bodies are JSON blobs; the queue/processing/retry/dead-letter indexes
// are sorted sets scored by scheduled time (plus priority offset),
// claim time and death time respectively. Index moves claim ownership
// through ZREM's return value, so two workers can never both own a job.
type RedisEmailQueueRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewEmailQueueRepo creates the Redis-backed queue repository.
func NewEmailQueueRepo(data *Data, logger log.Logger) *RedisEmailQueueRepo {
	return &RedisEmailQueueRepo{
		rdb:    data.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

func jobKey(id string) string { return emailJobKeyPrefix + id }

// saveJob persists the job blob with retention TTL.
func (r *RedisEmailQueueRepo) saveJob(ctx context.Context, pipe redis.Cmdable, job *model.EmailJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	pipe.Set(ctx, jobKey(job.ID), data, jobRetention)
	return nil
}

// loadJob reads and unmarshals one job blob.
func (r *RedisEmailQueueRepo) loadJob(ctx context.Context, id string) (*model.EmailJob, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job model.EmailJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Enqueue stores the job and indexes it in the main queue.
func (r *RedisEmailQueueRepo) Enqueue(ctx context.Context, job *model.EmailJob) error {
	if r.rdb == nil {
		return errNoRedis
	}

	pipe := r.rdb.TxPipeline()
	if err := r.saveJob(ctx, pipe, job); err != nil {
		return err
	}
	pipe.ZAdd(ctx, emailQueueKey, redis.Z{Score: job.QueueScore(), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimDue moves up to batch due jobs from the main queue into the
// processing index. Ownership of each id is decided by ZRem: only the
// caller whose removal reports 1 claims the job.
func (r *RedisEmailQueueRepo) ClaimDue(ctx context.Context, now time.Time, batch int) ([]*model.EmailJob, error) {
	if r.rdb == nil {
		return nil, errNoRedis
	}

	// The priority offset is negative, so "due" extends slightly past
	// now; +1 keeps jobs scheduled for this second claimable.
	maxScore := strconv.FormatFloat(float64(now.Unix())+1, 'f', -1, 64)
	ids, err := r.rdb.ZRangeByScore(ctx, emailQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(batch),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due jobs: %w", err)
	}

	jobs := make([]*model.EmailJob, 0, len(ids))
	for _, id := range ids {
		removed, err := r.rdb.ZRem(ctx, emailQueueKey, id).Result()
		if err != nil {
			return jobs, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if removed == 0 {
			// Another worker claimed it between the range read and
			// the removal.
			continue
		}
		if err := r.rdb.ZAdd(ctx, emailProcessingKey, redis.Z{
			Score:  float64(now.Unix()),
			Member: id,
		}).Err(); err != nil {
			return jobs, fmt.Errorf("failed to index claimed job %s: %w", id, err)
		}

		job, err := r.loadJob(ctx, id)
		if err != nil {
			// Blob vanished (TTL raced the index): drop the orphan id.
			r.logger.Warnw("dropping orphaned queue entry", "job_id", id, "error", err.Error())
			r.rdb.ZRem(ctx, emailProcessingKey, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// MarkSent persists the final state and releases the processing claim.
func (r *RedisEmailQueueRepo) MarkSent(ctx context.Context, job *model.EmailJob) error {
	if r.rdb == nil {
		return errNoRedis
	}

	pipe := r.rdb.TxPipeline()
	if err := r.saveJob(ctx, pipe, job); err != nil {
		return err
	}
	pipe.ZRem(ctx, emailProcessingKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job %s sent: %w", job.ID, err)
	}
	return nil
}

// ScheduleRetry moves the job from processing into the retry index.
func (r *RedisEmailQueueRepo) ScheduleRetry(ctx context.Context, job *model.EmailJob) error {
	if r.rdb == nil {
		return errNoRedis
	}

	pipe := r.rdb.TxPipeline()
	if err := r.saveJob(ctx, pipe, job); err != nil {
		return err
	}
	pipe.ZRem(ctx, emailProcessingKey, job.ID)
	pipe.ZAdd(ctx, emailRetryKey, redis.Z{Score: job.QueueScore(), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

// MoveToDeadLetter moves the job from processing into the dead-letter
// index, scored by death time so retention purging can range on it.
func (r *RedisEmailQueueRepo) MoveToDeadLetter(ctx context.Context, job *model.EmailJob) error {
	if r.rdb == nil {
		return errNoRedis
	}

	pipe := r.rdb.TxPipeline()
	if err := r.saveJob(ctx, pipe, job); err != nil {
		return err
	}
	pipe.ZRem(ctx, emailProcessingKey, job.ID)
	pipe.ZAdd(ctx, emailDeadLetterKey, redis.Z{Score: float64(time.Now().Unix()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// PromoteDueRetries moves due retry jobs back into the main queue.
func (r *RedisEmailQueueRepo) PromoteDueRetries(ctx context.Context, now time.Time) (int, error) {
	if r.rdb == nil {
		return 0, errNoRedis
	}

	maxScore := strconv.FormatFloat(float64(now.Unix())+1, 'f', -1, 64)
	ids, err := r.rdb.ZRangeByScore(ctx, emailRetryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due retries: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		removed, err := r.rdb.ZRem(ctx, emailRetryKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim retry job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		job, err := r.loadJob(ctx, id)
		if err != nil {
			r.logger.Warnw("dropping orphaned retry entry", "job_id", id, "error", err.Error())
			continue
		}
		job.Status = model.StatusPending

		pipe := r.rdb.TxPipeline()
		if err := r.saveJob(ctx, pipe, job); err != nil {
			return promoted, err
		}
		pipe.ZAdd(ctx, emailQueueKey, redis.Z{Score: job.QueueScore(), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("failed to promote retry job %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// ReclaimStuck removes jobs claimed before cutoff from the processing
// index and returns them for failure routing.
func (r *RedisEmailQueueRepo) ReclaimStuck(ctx context.Context, cutoff time.Time) ([]*model.EmailJob, error) {
	if r.rdb == nil {
		return nil, errNoRedis
	}

	maxScore := strconv.FormatInt(cutoff.Unix(), 10)
	ids, err := r.rdb.ZRangeByScore(ctx, emailProcessingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stuck jobs: %w", err)
	}

	var jobs []*model.EmailJob
	for _, id := range ids {
		removed, err := r.rdb.ZRem(ctx, emailProcessingKey, id).Result()
		if err != nil {
			return jobs, fmt.Errorf("failed to reclaim job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := r.loadJob(ctx, id)
		if err != nil {
			r.logger.Warnw("dropping orphaned processing entry", "job_id", id, "error", err.Error())
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PurgeDeadLetters deletes dead-lettered jobs older than cutoff along
// with their blobs.
func (r *RedisEmailQueueRepo) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	if r.rdb == nil {
		return 0, errNoRedis
	}

	maxScore := strconv.FormatInt(cutoff.Unix(), 10)
	ids, err := r.rdb.ZRangeByScore(ctx, emailDeadLetterKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read expired dead letters: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, emailDeadLetterKey, id)
		pipe.Del(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return len(ids), nil
}

// GetJob loads one job by id.
func (r *RedisEmailQueueRepo) GetJob(ctx context.Context, id string) (*model.EmailJob, error) {
	if r.rdb == nil {
		return nil, errNoRedis
	}
	return r.loadJob(ctx, id)
}

// Depths reports the four index sizes in one round trip.
func (r *RedisEmailQueueRepo) Depths(ctx context.Context) (model.QueueDepths, error) {
	if r.rdb == nil {
		return model.QueueDepths{}, errNoRedis
	}

	pipe := r.rdb.TxPipeline()
	pending := pipe.ZCard(ctx, emailQueueKey)
	processing := pipe.ZCard(ctx, emailProcessingKey)
	retry := pipe.ZCard(ctx, emailRetryKey)
	dead := pipe.ZCard(ctx, emailDeadLetterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueDepths{}, fmt.Errorf("failed to read queue depths: %w", err)
	}

	return model.QueueDepths{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Retry:      retry.Val(),
		DeadLetter: dead.Val(),
	}, nil
}
