package problemclient_test

import (
	"context"
	"testing"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/problemclient"
	appErr "judgecore/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestListJudgeCasesCachesResult(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	client, err := problemclient.NewClient(problemclient.Config{Database: db.NewWithDB(sqlDB, db.MySQLDialect{}), Cache: c})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	mock.ExpectQuery(`FROM problems WHERE id = \?`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"t", "m", "o"}).AddRow(int64(1000), nil, nil))
	mock.ExpectQuery(`FROM judge_cases WHERE problem_id = \?`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "stdin", "out", "type", "order", "t", "m", "o"}).
			AddRow(int64(10), "1 2", "3", "sample", int64(1), nil, nil, nil).
			AddRow(int64(11), "2 2", "4", "normal", int64(2), int64(200), nil, nil))

	for i := 0; i < 2; i++ {
		cases, limits, err := client.ListJudgeCases(context.Background(), 1)
		if err != nil {
			t.Fatalf("list #%d: %v", i, err)
		}
		if len(cases) != 2 || cases[0].Type != model.CaseSample || cases[1].Overrides.TimeLimitMs != 200 {
			t.Fatalf("unexpected cases: %+v", cases)
		}
		if limits.TimeLimitMs != 1000 || limits.MemoryLimitKB != 0 {
			t.Fatalf("unexpected limits: %+v", limits)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("second call should hit the cache: %v", err)
	}
}

func TestListJudgeCasesMissingProblem(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	client, _ := problemclient.NewClient(problemclient.Config{Database: db.NewWithDB(sqlDB, db.MySQLDialect{})})
	mock.ExpectQuery(`FROM problems`).WillReturnRows(sqlmock.NewRows([]string{"t", "m", "o"}))

	_, _, err = client.ListJudgeCases(context.Background(), 404)
	if !appErr.Is(err, appErr.TestCaseNotFound) {
		t.Fatalf("expected TestCaseNotFound, got %v", err)
	}
}
