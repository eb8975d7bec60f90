package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"judgecore/internal/cli/command"
	"judgecore/internal/cli/config"
	httpclient "judgecore/internal/cli/http"
	"judgecore/internal/cli/repl"
	"judgecore/internal/cli/state"

	"github.com/urfave/cli/v3"
)

const defaultConfigPath = "configs/judge_cli.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(command.Registry()).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newApp(commands map[string]command.Command) *cli.Command {
	return &cli.Command{
		Name:  "judge-cli",
		Usage: "operate a judge service node; starts an interactive shell without a subcommand",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: defaultConfigPath, Usage: "path to config file"},
			&cli.StringFlag{Name: "base", Usage: "override base URL"},
			&cli.DurationFlag{Name: "timeout", Usage: "override HTTP timeout (e.g. 10s)"},
			&cli.StringFlag{Name: "token", Usage: "override operator token", Sources: cli.EnvVars("JUDGE_CLI_TOKEN")},
			&cli.StringFlag{Name: "state", Usage: "override token state path"},
			&cli.BoolFlag{Name: "pretty", Usage: "pretty print JSON responses"},
			&cli.BoolFlag{Name: "no-color", Usage: "disable colored output"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			session, err := newSession(c, commands)
			if err != nil {
				return err
			}
			return session.Run(ctx)
		},
		Commands: serviceCommands(commands),
	}
}

// serviceCommands groups registry entries as "<service> <action>" subcommands.
func serviceCommands(commands map[string]command.Command) []*cli.Command {
	byService := map[string][]*cli.Command{}
	for _, cmd := range command.Sorted(commands) {
		cmd := cmd
		byService[cmd.Service] = append(byService[cmd.Service], &cli.Command{
			Name:      cmd.Action,
			Usage:     cmd.Usage,
			ArgsUsage: argsUsage(cmd),
			Action: func(ctx context.Context, c *cli.Command) error {
				params, err := positionalParams(cmd, c.Args().Slice())
				if err != nil {
					return err
				}
				session, err := newSession(c, commands)
				if err != nil {
					return err
				}
				return session.Invoke(ctx, cmd, params, nil)
			},
		})
	}
	names := make([]string, 0, len(byService))
	for name := range byService {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*cli.Command, 0, len(names))
	for _, name := range names {
		out = append(out, &cli.Command{Name: name, Usage: name + " commands", Commands: byService[name]})
	}
	return out
}

// positionalParams accepts key=value pairs and fills required fields in
// order from bare values, so "judge status <id>" works.
func positionalParams(cmd command.Command, args []string) (command.Params, error) {
	var pairs, bare []string
	for _, arg := range args {
		if strings.Contains(arg, "=") {
			pairs = append(pairs, arg)
		} else {
			bare = append(bare, arg)
		}
	}
	params, err := command.ParseArgs(pairs)
	if err != nil {
		return nil, err
	}
	params.Canonicalize(cmd.Fields)
	for _, field := range cmd.Fields {
		if len(bare) == 0 {
			break
		}
		if params.Get(field.Name) != "" {
			continue
		}
		params.Set(field.Name, bare[0])
		bare = bare[1:]
	}
	if len(bare) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(bare, " "))
	}
	return params, nil
}

func argsUsage(cmd command.Command) string {
	parts := make([]string, 0, len(cmd.Fields))
	for _, field := range cmd.Fields {
		if field.Required {
			parts = append(parts, "<"+field.Name+">")
		} else {
			parts = append(parts, "["+field.Name+"=...]")
		}
	}
	return strings.Join(parts, " ")
}

func newSession(c *cli.Command, commands map[string]command.Command) (*repl.Session, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if base := c.String("base"); base != "" {
		cfg.BaseURL = base
	}
	if timeout := c.Duration("timeout"); timeout > 0 {
		cfg.Timeout = timeout
	}
	if path := c.String("state"); path != "" {
		cfg.TokenStatePath = path
	}
	if c.Bool("pretty") {
		value := true
		cfg.PrettyJSON = &value
	}
	if c.Bool("no-color") {
		cfg.NoColor = true
	}

	tokenState, err := state.Load(cfg.TokenStatePath)
	if err != nil {
		return nil, fmt.Errorf("load token state failed: %w", err)
	}
	if token := c.String("token"); token != "" {
		tokenState.AccessToken = token
	}

	client := httpclient.New(cfg.BaseURL, cfg.Timeout, func() string {
		return tokenState.AccessToken
	})
	return repl.New(client, commands, &tokenState, repl.Options{
		StatePath:   cfg.TokenStatePath,
		HistoryPath: cfg.HistoryPath,
		PrettyJSON:  cfg.PrettyJSON != nil && *cfg.PrettyJSON,
		NoColor:     cfg.NoColor,
	}), nil
}
