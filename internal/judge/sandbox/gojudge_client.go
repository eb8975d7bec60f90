package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// go-judge result statuses.
const (
	statusAccepted       = "Accepted"
	statusMemoryExceeded = "Memory Limit Exceeded"
	statusTimeExceeded   = "Time Limit Exceeded"
	statusOutputExceeded = "Output Limit Exceeded"
	statusFileError      = "File Error"
	statusNonzeroExit    = "Nonzero Exit Status"
	statusSignalled      = "Signalled"
	statusInternalError  = "Internal Error"
)

const (
	stderrCapBytes = 16 << 10
	compileSlack   = 10 * time.Second
)

// GoJudgeConfig configures GoJudgeClient.
type GoJudgeConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`

	CompileTimeLimit     time.Duration `yaml:"compileTimeLimit"`
	CompileMemoryLimitKB int64         `yaml:"compileMemoryLimitKB"`
	ProcLimit            uint64        `yaml:"procLimit"`
	// ArtifactTTL bounds how long a compiled binary is reused.
	ArtifactTTL time.Duration `yaml:"artifactTTL"`

	Languages []LanguageConfig `yaml:"languages"`
}

func (c *GoJudgeConfig) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.CompileTimeLimit == 0 {
		c.CompileTimeLimit = 10 * time.Second
	}
	if c.CompileMemoryLimitKB == 0 {
		c.CompileMemoryLimitKB = 512 * 1024
	}
	if c.ProcLimit == 0 {
		c.ProcLimit = 50
	}
	if c.ArtifactTTL == 0 {
		c.ArtifactTTL = 10 * time.Minute
	}
}

// GoJudgeClient is an Executor backed by the go-judge REST API.
type GoJudgeClient struct {
	cfg       GoJudgeConfig
	http      *http.Client
	languages map[string]Language

	compiled *xsync.MapOf[string, compiledEntry]
	group    singleflight.Group
	now      func() time.Time
}

type compiledEntry struct {
	fileID    string
	failed    bool
	output    string
	createdAt time.Time
}

// NewGoJudgeClient creates a client. httpClient may be nil.
func NewGoJudgeClient(cfg GoJudgeConfig, httpClient *http.Client) (*GoJudgeClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint is required")
	}
	cfg.applyDefaults()
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	langs, err := ParseLanguages(cfg.Languages)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &GoJudgeClient{
		cfg:       cfg,
		http:      httpClient,
		languages: langs,
		compiled:  xsync.NewMapOf[string, compiledEntry](),
		now:       time.Now,
	}, nil
}

// Languages lists the languages the client can run.
func (c *GoJudgeClient) Languages() []string {
	return LanguageNames(c.languages)
}

// Execute compiles (once per language and source) and runs the program.
func (c *GoJudgeClient) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	lang, ok := c.languages[req.Language]
	if !ok {
		return ExecuteResult{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", req.Language)
	}

	var (
		res goJudgeResult
		err error
	)
	// A cached binary can vanish when go-judge restarts. Its run then reports
	// File Error; the entry is dropped and the source compiled once more.
	for attempt := 0; attempt < 2; attempt++ {
		copyIn := map[string]goJudgeFile{}
		var entry compiledEntry
		if lang.Compiled() {
			entry, err = c.compile(ctx, lang, req.Code)
			if err != nil {
				return ExecuteResult{}, err
			}
			if entry.failed {
				return ExecuteResult{CompileFailed: true, CompileOutput: entry.output}, nil
			}
			copyIn[lang.Artifact] = goJudgeFile{FileID: entry.fileID}
		} else {
			copyIn[lang.SourceFile] = goJudgeFile{Content: &req.Code}
		}
		res, err = c.run(ctx, "run", c.runCmd(lang, req, copyIn))
		if err != nil {
			return ExecuteResult{}, err
		}
		if res.Status != statusFileError || entry.fileID == "" {
			break
		}
		logger.Warn(ctx, "cached artifact missing in sandbox, recompiling",
			zap.String("language", lang.Name), zap.String("file_id", entry.fileID))
		c.forget(artifactKey(lang.Name, req.Code), entry.fileID)
	}

	out := ExecuteResult{
		Stdout:       res.Files["stdout"],
		Stderr:       res.Files["stderr"],
		ExitStatus:   res.ExitStatus,
		TimeUsedMs:   int64(res.Time / uint64(time.Millisecond)),
		MemoryUsedKB: int64(res.Memory / 1024),
	}
	switch res.Status {
	case statusAccepted:
	case statusTimeExceeded:
		out.TimeExceeded = true
	case statusMemoryExceeded:
		out.MemoryExceeded = true
	case statusOutputExceeded:
		out.OutputExceeded = true
	case statusSignalled:
		out.Signalled = true
	case statusNonzeroExit:
		if out.ExitStatus == 0 {
			out.ExitStatus = 1
		}
	default:
		return ExecuteResult{}, &Fault{Op: "run", Err: fmt.Errorf("status %q: %s", res.Status, res.Error)}
	}
	return out, nil
}

func (c *GoJudgeClient) runCmd(lang Language, req ExecuteRequest, copyIn map[string]goJudgeFile) goJudgeCmd {
	limits := req.Limits
	stdin := req.Stdin
	return goJudgeCmd{
		Args: lang.RunArgs,
		Env:  lang.Env,
		Files: []*goJudgeFile{
			{Content: &stdin},
			{Name: "stdout", Max: limits.OutputLimitKB * 1024},
			{Name: "stderr", Max: stderrCapBytes},
		},
		CPULimit:    uint64(limits.TimeLimitMs) * uint64(time.Millisecond),
		ClockLimit:  uint64(limits.TimeLimitMs) * 2 * uint64(time.Millisecond),
		MemoryLimit: uint64(limits.MemoryLimitKB) * 1024,
		ProcLimit:   c.cfg.ProcLimit,
		CopyIn:      copyIn,
	}
}

// compile returns the cached build of code or compiles it. Concurrent callers
// share one compile, which runs detached from any single caller so that one
// cancelled run does not fail the others.
func (c *GoJudgeClient) compile(ctx context.Context, lang Language, code string) (compiledEntry, error) {
	key := artifactKey(lang.Name, code)
	if entry, ok := c.compiled.Load(key); ok && c.fresh(entry) {
		return entry, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if entry, ok := c.compiled.Load(key); ok && c.fresh(entry) {
			return entry, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompileTimeLimit*2+compileSlack)
		defer cancel()
		entry, err := c.doCompile(cctx, lang, code)
		if err != nil {
			return compiledEntry{}, err
		}
		if prev, loaded := c.compiled.LoadAndStore(key, entry); loaded && prev.fileID != "" && prev.fileID != entry.fileID {
			c.deleteFile(prev.fileID)
		}
		return entry, nil
	})
	select {
	case <-ctx.Done():
		return compiledEntry{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return compiledEntry{}, r.Err
		}
		return r.Val.(compiledEntry), nil
	}
}

func (c *GoJudgeClient) doCompile(ctx context.Context, lang Language, code string) (compiledEntry, error) {
	src := code
	cmd := goJudgeCmd{
		Args: lang.CompileArgs,
		Env:  lang.Env,
		Files: []*goJudgeFile{
			{Content: new(string)},
			{Name: "stdout", Max: stderrCapBytes},
			{Name: "stderr", Max: stderrCapBytes},
		},
		CPULimit:      uint64(c.cfg.CompileTimeLimit),
		ClockLimit:    uint64(c.cfg.CompileTimeLimit) * 2,
		MemoryLimit:   uint64(c.cfg.CompileMemoryLimitKB) * 1024,
		ProcLimit:     c.cfg.ProcLimit,
		CopyIn:        map[string]goJudgeFile{lang.SourceFile: {Content: &src}},
		CopyOutCached: []string{lang.Artifact},
	}
	res, err := c.run(ctx, "compile", cmd)
	if err != nil {
		if ctx.Err() != nil {
			return compiledEntry{}, &Fault{Op: "compile", Err: err}
		}
		return compiledEntry{}, err
	}
	entry := compiledEntry{createdAt: c.now()}
	switch {
	case res.Status == statusAccepted && res.FileIDs[lang.Artifact] != "":
		entry.fileID = res.FileIDs[lang.Artifact]
	case res.Status == statusInternalError, res.Status == statusFileError:
		return compiledEntry{}, &Fault{Op: "compile", Err: fmt.Errorf("status %q: %s", res.Status, res.Error)}
	default:
		entry.failed = true
		entry.output = strings.TrimSpace(res.Files["stderr"] + "\n" + res.Files["stdout"])
		if entry.output == "" {
			entry.output = res.Status
		}
	}
	return entry, nil
}

func (c *GoJudgeClient) fresh(entry compiledEntry) bool {
	return c.now().Sub(entry.createdAt) < c.cfg.ArtifactTTL
}

// forget drops key if it still points at fileID and deletes the file.
func (c *GoJudgeClient) forget(key, fileID string) {
	removed := false
	c.compiled.Compute(key, func(old compiledEntry, loaded bool) (compiledEntry, bool) {
		removed = loaded && old.fileID == fileID
		return old, !loaded || removed
	})
	if removed && fileID != "" {
		c.deleteFile(fileID)
	}
}

// SweepArtifacts removes expired builds and their sandbox files. It returns
// the number of entries removed.
func (c *GoJudgeClient) SweepArtifacts() int {
	type expired struct {
		key    string
		fileID string
	}
	var stale []expired
	c.compiled.Range(func(key string, entry compiledEntry) bool {
		if !c.fresh(entry) {
			stale = append(stale, expired{key: key, fileID: entry.fileID})
		}
		return true
	})
	n := 0
	for _, e := range stale {
		removed := false
		c.compiled.Compute(e.key, func(old compiledEntry, loaded bool) (compiledEntry, bool) {
			removed = loaded && old.fileID == e.fileID && !c.fresh(old)
			return old, !loaded || removed
		})
		if !removed {
			continue
		}
		n++
		if e.fileID != "" {
			c.deleteFile(e.fileID)
		}
	}
	return n
}

// RunArtifactSweeper calls SweepArtifacts every interval until ctx is done.
func (c *GoJudgeClient) RunArtifactSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.ArtifactTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.SweepArtifacts(); n > 0 {
				logger.Debug(ctx, "swept compiled artifacts", zap.Int("count", n))
			}
		}
	}
}

func (c *GoJudgeClient) run(ctx context.Context, op string, cmd goJudgeCmd) (goJudgeResult, error) {
	body, err := json.Marshal(goJudgeRequest{Cmd: []goJudgeCmd{cmd}})
	if err != nil {
		return goJudgeResult{}, fmt.Errorf("encode %s request: %w", op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/run", bytes.NewReader(body))
	if err != nil {
		return goJudgeResult{}, fmt.Errorf("build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return goJudgeResult{}, ctx.Err()
		}
		return goJudgeResult{}, &Fault{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return goJudgeResult{}, &Fault{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return goJudgeResult{}, &Fault{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}
	var results []goJudgeResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return goJudgeResult{}, &Fault{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(results) != 1 {
		return goJudgeResult{}, &Fault{Op: op, Err: fmt.Errorf("expected 1 result, got %d", len(results))}
	}
	return results[0], nil
}

func (c *GoJudgeClient) deleteFile(fileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.Endpoint+"/file/"+fileID, nil)
	if err != nil {
		return
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn(ctx, "delete cached artifact failed", zap.String("file_id", fileID), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

func artifactKey(language, code string) string {
	sum := sha256.Sum256([]byte(language + "\x00" + code))
	return hex.EncodeToString(sum[:])
}

type goJudgeRequest struct {
	Cmd []goJudgeCmd `json:"cmd"`
}

type goJudgeFile struct {
	Content *string `json:"content,omitempty"`
	FileID  string  `json:"fileId,omitempty"`
	Name    string  `json:"name,omitempty"`
	Max     int64   `json:"max,omitempty"`
}

type goJudgeCmd struct {
	Args          []string               `json:"args"`
	Env           []string               `json:"env,omitempty"`
	Files         []*goJudgeFile         `json:"files"`
	CPULimit      uint64                 `json:"cpuLimit"`
	ClockLimit    uint64                 `json:"clockLimit"`
	MemoryLimit   uint64                 `json:"memoryLimit"`
	ProcLimit     uint64                 `json:"procLimit"`
	CopyIn        map[string]goJudgeFile `json:"copyIn,omitempty"`
	CopyOutCached []string               `json:"copyOutCached,omitempty"`
}

type goJudgeResult struct {
	Status     string            `json:"status"`
	ExitStatus int               `json:"exitStatus"`
	Error      string            `json:"error,omitempty"`
	Time       uint64            `json:"time"`
	Memory     uint64            `json:"memory"`
	RunTime    uint64            `json:"runTime"`
	Files      map[string]string `json:"files,omitempty"`
	FileIDs    map[string]string `json:"fileIds,omitempty"`
}
