// Package problemclient reads judge cases owned by the problem content service.
package problemclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
)

const casesKeyPrefix = "judge:cases:"

// Config configures the problem client.
type Config struct {
	Database db.Database
	// Cache is optional; without it every call reads the database.
	Cache    cache.Cache
	TTL      time.Duration
	EmptyTTL time.Duration
}

// Client lists judge cases with Redis cache-aside.
type Client struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewClient creates a new client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.EmptyTTL <= 0 {
		cfg.EmptyTTL = 30 * time.Second
	}
	return &Client{db: cfg.Database, cache: cfg.Cache, ttl: cfg.TTL, emptyTTL: cfg.EmptyTTL}, nil
}

// ListJudgeCases returns the cases of a problem in display order and the
// problem-level limits. A missing problem or one without cases is
// appErr.TestCaseNotFound.
func (c *Client) ListJudgeCases(ctx context.Context, problemID int64) ([]model.JudgeCase, model.Limits, error) {
	var (
		pc  *model.ProblemCases
		err error
	)
	if c.cache == nil {
		pc, err = c.load(ctx, problemID)
	} else {
		pc, err = cache.GetWithCached[*model.ProblemCases](ctx, c.cache, casesKeyPrefix+strconv.FormatInt(problemID, 10),
			cache.JitterTTL(c.ttl), c.emptyTTL,
			func(p *model.ProblemCases) bool { return p == nil || len(p.Cases) == 0 },
			marshalCases,
			unmarshalCases,
			func(ctx context.Context) (*model.ProblemCases, error) { return c.load(ctx, problemID) },
		)
	}
	if err != nil {
		return nil, model.Limits{}, appErr.Wrapf(err, appErr.DatabaseError, "list judge cases for problem %d", problemID)
	}
	if pc == nil || len(pc.Cases) == 0 {
		return nil, model.Limits{}, appErr.Newf(appErr.TestCaseNotFound, "problem %d has no judge cases", problemID)
	}
	return pc.Cases, pc.Limits, nil
}

func (c *Client) load(ctx context.Context, problemID int64) (*model.ProblemCases, error) {
	var tl, ml, ol *int64
	err := c.db.QueryRow(ctx,
		"SELECT time_limit_ms, memory_limit_kb, output_limit_kb FROM problems WHERE id = ?", problemID).
		Scan(&tl, &ml, &ol)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load problem %d: %w", problemID, err)
	}
	pc := &model.ProblemCases{ProblemID: problemID, Limits: limits(tl, ml, ol)}

	rows, err := c.db.Query(ctx, `
		SELECT id, stdin, expected_stdout, case_type, display_order, time_limit_ms, memory_limit_kb, output_limit_kb
		FROM judge_cases WHERE problem_id = ? ORDER BY display_order, id`, problemID)
	if err != nil {
		return nil, fmt.Errorf("load cases of problem %d: %w", problemID, err)
	}
	defer rows.Close()
	for rows.Next() {
		jc := model.JudgeCase{ProblemID: problemID}
		var caseType string
		if err := rows.Scan(&jc.ID, &jc.Stdin, &jc.ExpectedStdout, &caseType, &jc.DisplayOrder, &tl, &ml, &ol); err != nil {
			return nil, err
		}
		jc.Type = model.CaseType(caseType)
		jc.Overrides = limits(tl, ml, ol)
		pc.Cases = append(pc.Cases, jc)
	}
	return pc, rows.Err()
}

func limits(timeMs, memoryKB, outputKB *int64) model.Limits {
	var l model.Limits
	if timeMs != nil {
		l.TimeLimitMs = *timeMs
	}
	if memoryKB != nil {
		l.MemoryLimitKB = *memoryKB
	}
	if outputKB != nil {
		l.OutputLimitKB = *outputKB
	}
	return l
}

func marshalCases(p *model.ProblemCases) string {
	data, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalCases(s string) (*model.ProblemCases, error) {
	var p model.ProblemCases
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
