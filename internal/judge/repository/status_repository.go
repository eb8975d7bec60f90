package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
)

const statusKeyPrefix = "judge:status:"

// saveStatusScript writes ARGV[1] unless the new view is not terminal
// (ARGV[3] == "0") and the stored one already is. ARGV[4..] lists the
// terminal statuses.
const saveStatusScript = `
local cur = redis.call('GET', KEYS[1])
if cur and ARGV[3] == '0' then
  local ok, v = pcall(cjson.decode, cur)
  if ok and type(v) == 'table' then
    for i = 4, #ARGV do
      if v.status == ARGV[i] then
        return 0
      end
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

var terminalStatuses = []interface{}{
	string(model.ProcessSucceeded), string(model.ProcessFailed), string(model.ProcessError),
}

// StatusRepository keeps the latest progress snapshot of each process in Redis.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the snapshot by process id. A miss is appErr.NotFound.
func (r *StatusRepository) Get(ctx context.Context, processID string) (*model.StatusView, error) {
	if processID == "" {
		return nil, appErr.ValidationError("process_id", "required")
	}
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+processID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return nil, appErr.New(appErr.NotFound).WithMessage("process status not found")
	}
	var view model.StatusView
	if err := json.Unmarshal([]byte(val), &view); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return &view, nil
}

// Save stores the snapshot. A terminal snapshot is never replaced by a
// non-terminal one, so a late progress write or a backfill racing with the
// finish cannot hide the result.
func (r *StatusRepository) Save(ctx context.Context, view *model.StatusView) error {
	if view == nil || view.ProcessID == "" {
		return appErr.ValidationError("process_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if view.UpdatedAt.IsZero() {
		view.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	terminal := "0"
	if view.Status.IsTerminal() {
		terminal = "1"
	}
	ttl := cache.JitterTTL(r.TTL)
	if ttl < time.Millisecond {
		ttl = 24 * time.Hour
	}
	args := append([]interface{}{string(data), ttl.Milliseconds(), terminal}, terminalStatuses...)
	if _, err := r.cache.Eval(ctx, saveStatusScript, []string{statusKeyPrefix + view.ProcessID}, args...); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}

// Delete drops the snapshot, used when a process is purged.
func (r *StatusRepository) Delete(ctx context.Context, processIDs ...string) error {
	if len(processIDs) == 0 || r.cache == nil {
		return nil
	}
	keys := make([]string, 0, len(processIDs))
	for _, id := range processIDs {
		keys = append(keys, statusKeyPrefix+id)
	}
	return r.cache.Del(ctx, keys...)
}
