package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"judgecore/internal/cli/command"
	httpclient "judgecore/internal/cli/http"
	"judgecore/internal/cli/state"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/google/shlex"
)

// Options configures a session.
type Options struct {
	StatePath   string
	HistoryPath string
	PrettyJSON  bool
	NoColor     bool
	Out         io.Writer
}

// Session holds REPL state. One-shot commands use Invoke directly.
type Session struct {
	client      *httpclient.Client
	commands    map[string]command.Command
	tokenState  *state.TokenState
	statePath   string
	historyPath string
	prettyJSON  bool
	out         io.Writer
	now         func() time.Time

	good func(a ...interface{}) string
	bad  func(a ...interface{}) string
	dim  func(a ...interface{}) string
}

func New(client *httpclient.Client, commands map[string]command.Command, tokenState *state.TokenState, opts Options) *Session {
	if opts.NoColor {
		color.NoColor = true
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Session{
		client:      client,
		commands:    commands,
		tokenState:  tokenState,
		statePath:   opts.StatePath,
		historyPath: opts.HistoryPath,
		prettyJSON:  opts.PrettyJSON,
		out:         opts.Out,
		now:         time.Now,
		good:        color.New(color.FgGreen, color.Bold).SprintFunc(),
		bad:         color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:         color.New(color.FgHiBlack).SprintFunc(),
	}
}

// Run reads commands until exit, EOF or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "judge> ",
		HistoryFile:     s.historyPath,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()
	s.out = rl.Stdout()

	prompt := func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt("judge> ")
		line, err := rl.Readline()
		if err != nil {
			return "", fmt.Errorf("read input failed: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return nil
		}
		if s.handleSystemCommand(line) {
			continue
		}
		if err := s.Execute(ctx, line, prompt); err != nil {
			s.printLine("%s %v", s.bad("error:"), err)
		}
	}
	return ctx.Err()
}

// Execute parses "<service> <action> key=value ..." and runs it.
func (s *Session) Execute(ctx context.Context, line string, prompt func(string) (string, error)) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	cmd, ok := s.commands[tokens[0]+" "+tokens[1]]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", tokens[0], tokens[1])
	}
	params, err := command.ParseArgs(tokens[2:])
	if err != nil {
		return err
	}
	return s.Invoke(ctx, cmd, params, prompt)
}

// Invoke runs one command. Missing required fields are asked for through
// prompt; with a nil prompt they are an error.
func (s *Session) Invoke(ctx context.Context, cmd command.Command, params command.Params, prompt func(string) (string, error)) error {
	params.Canonicalize(cmd.Fields)
	if prompt != nil {
		for _, field := range cmd.Fields {
			if !field.Required || strings.TrimSpace(params.Get(field.Name)) != "" {
				continue
			}
			value, err := prompt(field.Prompt)
			if err != nil {
				return err
			}
			params.Set(field.Name, value)
		}
	}
	if cmd.RequiresAuth && s.tokenState.AccessToken == "" {
		return fmt.Errorf("%s requires an operator token, use: set token <jwt>", cmd.Key())
	}
	req, err := command.BuildRequest(cmd, params, s.now())
	if err != nil {
		return err
	}
	if cmd.Stream {
		return s.client.Stream(ctx, req.Path, s.renderFrame)
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}
	return nil
}

func (s *Session) handleSystemCommand(line string) bool {
	switch line {
	case "help":
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|token|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8085")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		if len(parts) < 2 {
			s.printLine("usage: set token <access_token>")
			return
		}
		s.tokenState.AccessToken = parts[1]
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			s.printLine("save token failed: %v", err)
			return
		}
		s.printLine("token updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "token":
		if s.tokenState.AccessToken == "" {
			s.printLine("token: <empty>")
			return
		}
		s.printLine("token: %s", MaskToken(s.tokenState.AccessToken))
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("tokenStatePath: %s", s.statePath)
		s.printLine("historyPath: %s", s.historyPath)
	default:
		s.printLine("usage: show token|config")
	}
}

// MaskToken keeps the first six and last four characters of long tokens.
func MaskToken(token string) string {
	if len(token) > 12 {
		return token[:6] + "..." + token[len(token)-4:]
	}
	return token
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	status := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if resp.StatusCode >= 400 {
		status = s.bad(status)
	} else {
		status = s.good(status)
	}
	s.printLine("%s %s", status, s.dim("("+resp.Duration.String()+")"))
	if len(resp.Body) == 0 {
		return
	}
	s.printLine("%s", s.formatJSON(resp.Body))
}

type frame struct {
	Status   string `json:"status"`
	Progress struct {
		Total int `json:"total"`
		Done  int `json:"done"`
		Cases []struct {
			State   string `json:"state"`
			Verdict string `json:"verdict"`
		} `json:"cases"`
	} `json:"progress"`
	Result json.RawMessage `json:"result"`
}

// renderFrame prints one progress line per frame and the result payload
// once it arrives.
func (s *Session) renderFrame(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.printLine("%s", string(data))
		return nil
	}
	marks := make([]string, 0, len(f.Progress.Cases))
	for _, c := range f.Progress.Cases {
		switch {
		case c.Verdict == "AC":
			marks = append(marks, s.good(c.Verdict))
		case c.Verdict != "":
			marks = append(marks, s.bad(c.Verdict))
		case c.State == "running":
			marks = append(marks, "..")
		default:
			marks = append(marks, s.dim("--"))
		}
	}
	s.printLine("%-9s %d/%d %s", f.Status, f.Progress.Done, f.Progress.Total, strings.Join(marks, " "))
	if len(f.Result) > 0 && string(f.Result) != "null" {
		s.printLine("%s", s.formatJSON(f.Result))
	}
	return nil
}

func (s *Session) formatJSON(body []byte) string {
	if !s.prettyJSON {
		return string(body)
	}
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return string(body)
	}
	formatted, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(formatted)
}

func (s *Session) completer() *readline.PrefixCompleter {
	byService := map[string][]readline.PrefixCompleterInterface{}
	for _, cmd := range command.Sorted(s.commands) {
		byService[cmd.Service] = append(byService[cmd.Service], readline.PcItem(cmd.Action))
	}
	services := make([]string, 0, len(byService))
	for name := range byService {
		services = append(services, name)
	}
	sort.Strings(services)

	items := make([]readline.PrefixCompleterInterface, 0, len(services)+4)
	for _, name := range services {
		items = append(items, readline.PcItem(name, byService[name]...))
	}
	items = append(items,
		readline.PcItem("set", readline.PcItem("base"), readline.PcItem("token"), readline.PcItem("timeout")),
		readline.PcItem("show", readline.PcItem("token"), readline.PcItem("config")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|token | show token|config")
	s.printLine("commands:")
	for _, cmd := range command.Sorted(s.commands) {
		auth := ""
		if cmd.RequiresAuth {
			auth = s.dim(" (operator)")
		}
		s.printLine("  %-16s %s%s", cmd.Key(), cmd.Usage, auth)
	}
	s.printLine("examples:")
	s.printLine("  judge create submission_id=6f1c...")
	s.printLine("  judge watch id=<process_id>")
	s.printLine("  judge cancel id=<process_id> reason=\"bad tests\"")
	s.printLine("  judge purge before=720h")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
