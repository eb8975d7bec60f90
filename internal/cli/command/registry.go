package command

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "judge",
			Action:       "create",
			Usage:        "queue a judge process for a submission",
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/judge/processes",
			Fields: []Field{
				{Name: "submission_id", Aliases: []string{"id", "submission"}, Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "status",
			Usage:        "show progress and result of a process",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/judge/processes/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"process_id"}, Prompt: "process_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "watch",
			Usage:        "follow a process until it finishes",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/judge/processes/:id/watch",
			Stream:       true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"process_id"}, Prompt: "process_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "rejudge",
			Usage:        "supersede the current process of a submission",
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/judge/submissions/:id/rejudge",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "cancel",
			Usage:        "cancel a pending or running process",
			Method:       http.MethodPost,
			PathTemplate: "/api/v1/judge/processes/:id/cancel",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Aliases: []string{"process_id"}, Prompt: "process_id", Type: FieldString, Required: true},
				{Name: "reason", Prompt: "reason", Type: FieldString},
			},
		},
		{
			Service:      "judge",
			Action:       "stats",
			Usage:        "show queue depth and process counts",
			Method:       http.MethodGet,
			PathTemplate: "/api/v1/judge/queue/stats",
		},
		{
			Service:      "judge",
			Action:       "purge",
			Usage:        "delete finished processes older than before (RFC3339 or duration ago)",
			Method:       http.MethodDelete,
			PathTemplate: "/api/v1/judge/processes",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "before", Prompt: "before (RFC3339 or e.g. 720h)", Type: FieldTime, Required: true, Query: true},
			},
		},
		{
			Service:      "service",
			Action:       "health",
			Usage:        "check whether the node accepts work",
			Method:       http.MethodGet,
			PathTemplate: "/healthz",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// Sorted returns the commands ordered by key, for help output and completion.
func Sorted(commands map[string]Command) []Command {
	out := make([]Command, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params, now time.Time) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	for _, field := range cmd.Fields {
		if field.Required && strings.TrimSpace(params.Get(field.Name)) == "" {
			return RequestSpec{}, fmt.Errorf("missing parameter: %s", field.Name)
		}
	}
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	query := url.Values{}
	body := map[string]interface{}{}
	for _, field := range cmd.Fields {
		raw := strings.TrimSpace(params.Get(field.Name))
		if raw == "" || strings.Contains(cmd.PathTemplate, ":"+field.Name) {
			continue
		}
		value, err := convert(field, raw, now)
		if err != nil {
			return RequestSpec{}, err
		}
		if field.Query {
			query.Set(field.Name, fmt.Sprint(value))
			continue
		}
		body[field.Name] = value
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	spec := RequestSpec{Method: cmd.Method, Path: path, Headers: map[string]string{}}
	if cmd.Method != http.MethodGet && cmd.Method != http.MethodDelete && len(body) > 0 {
		spec.Body, err = json.Marshal(body)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
		}
	}
	return spec, nil
}

func convert(field Field, raw string, now time.Time) (interface{}, error) {
	switch field.Type {
	case FieldInt64:
		n, err := ParseInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", field.Name, err)
		}
		return n, nil
	case FieldTime:
		t, err := ParseTime(raw, now)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format(time.RFC3339), nil
	default:
		return raw, nil
	}
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"id"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := strings.TrimSpace(params.Get(key))
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		}
	}
	return path, nil
}
