package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Profile describes a fleet of judge-service nodes sharing one base config.
type Profile struct {
	OutputDir string                 `yaml:"outputDir"`
	Base      string                 `yaml:"base"`
	Host      string                 `yaml:"host"`
	HTTPPort  int                    `yaml:"httpPort"`
	GRPCPort  int                    `yaml:"grpcPort"`
	Auth      AuthProfile            `yaml:"auth"`
	Nodes     map[string]NodeProfile `yaml:"nodes"`
}

type AuthProfile struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// NodeProfile overrides the base for one node. Nodes get consecutive ports
// in name order unless their overrides set server.addr or grpc.addr.
type NodeProfile struct {
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Nodes) == 0 {
		return nil, errors.New("profile has no nodes")
	}
	if profile.Base == "" {
		return nil, errors.New("profile has no base config")
	}
	return &profile, nil
}

// generate writes every node config and returns the written paths in node
// name order. Relative paths resolve against profileDir.
func generate(profile *Profile, profileDir string) ([]string, error) {
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	outputDir := resolve(profileDir, profile.OutputDir)
	basePath := resolve(profileDir, profile.Base)
	host := profile.Host
	if host == "" {
		host = "0.0.0.0"
	}
	httpPort, grpcPort := profile.HTTPPort, profile.GRPCPort
	if httpPort == 0 {
		httpPort = 8085
	}
	if grpcPort == 0 {
		grpcPort = 9085
	}

	names := make([]string, 0, len(profile.Nodes))
	for name := range profile.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for i, name := range names {
		node := profile.Nodes[name]
		base, err := loadYAML(basePath)
		if err != nil {
			return nil, fmt.Errorf("load base config failed: %w", err)
		}
		defaults := map[string]interface{}{
			"server": map[string]interface{}{"addr": net.JoinHostPort(host, strconv.Itoa(httpPort+i))},
			"grpc":   map[string]interface{}{"addr": net.JoinHostPort(host, strconv.Itoa(grpcPort+i))},
			"worker": map[string]interface{}{"id": name},
		}
		config, err := mergeMap(normalizeValue(base), defaults)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		if len(node.Overrides) > 0 {
			config, err = mergeMap(config, normalizeValue(node.Overrides))
			if err != nil {
				return nil, fmt.Errorf("merge overrides for %q failed: %w", name, err)
			}
		}
		config, err = applySharedAuth(profile.Auth, config)
		if err != nil {
			return nil, fmt.Errorf("apply shared auth for %q failed: %w", name, err)
		}

		output := node.Output
		if output == "" {
			output = "judge_service." + name + ".yaml"
		}
		path := resolve(outputDir, output)
		if err := writeYAML(path, config); err != nil {
			return nil, fmt.Errorf("write config for %q failed: %w", name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

// mergeMap deep-merges maps; any other override value replaces the base.
func mergeMap(base, override interface{}) (map[string]interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}
	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	for key, value := range overrideMap {
		baseChild, baseIsMap := merged[key].(map[string]interface{})
		overrideChild, overrideIsMap := value.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = value
	}
	return merged, nil
}

func applySharedAuth(auth AuthProfile, config map[string]interface{}) (map[string]interface{}, error) {
	if auth.Secret == "" && auth.Issuer == "" {
		return config, nil
	}
	section, ok := config["auth"].(map[string]interface{})
	if !ok {
		if config["auth"] != nil {
			return nil, errors.New("auth section is not a map")
		}
		section = map[string]interface{}{}
		config["auth"] = section
	}
	if auth.Secret != "" {
		section["secret"] = auth.Secret
	}
	if auth.Issuer != "" {
		section["issuer"] = auth.Issuer
	}
	return config, nil
}
