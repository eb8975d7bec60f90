package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestGenerateAssignsNodeIdentity(t *testing.T) {
	dir := t.TempDir()
	base := "server:\n  addr: 0.0.0.0:8085\n  readTimeout: 5s\nworker:\n  poolSize: 4\nauth:\n  roles: [admin]\n"
	if err := os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	profile := &Profile{
		OutputDir: "out",
		Base:      "base.yaml",
		Host:      "10.0.0.1",
		Auth:      AuthProfile{Secret: "shared"},
		Nodes: map[string]NodeProfile{
			"b": {Overrides: map[string]interface{}{"worker": map[string]interface{}{"poolSize": 8}}},
			"a": {Output: "first.yaml"},
		},
	}

	written, err := generate(profile, dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(written) != 2 || filepath.Base(written[0]) != "first.yaml" {
		t.Fatalf("written = %v", written)
	}

	var got struct {
		Server struct {
			Addr        string `yaml:"addr"`
			ReadTimeout string `yaml:"readTimeout"`
		} `yaml:"server"`
		GRPC struct {
			Addr string `yaml:"addr"`
		} `yaml:"grpc"`
		Worker struct {
			ID       string `yaml:"id"`
			PoolSize int    `yaml:"poolSize"`
		} `yaml:"worker"`
		Auth struct {
			Secret string   `yaml:"secret"`
			Roles  []string `yaml:"roles"`
		} `yaml:"auth"`
	}
	data, err := os.ReadFile(written[1])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Server.Addr != "10.0.0.1:8086" || got.GRPC.Addr != "10.0.0.1:9086" {
		t.Fatalf("addrs = %s %s", got.Server.Addr, got.GRPC.Addr)
	}
	if got.Server.ReadTimeout != "5s" {
		t.Fatalf("base value lost: %q", got.Server.ReadTimeout)
	}
	if got.Worker.ID != "b" || got.Worker.PoolSize != 8 {
		t.Fatalf("worker = %+v", got.Worker)
	}
	if got.Auth.Secret != "shared" || len(got.Auth.Roles) != 1 {
		t.Fatalf("auth = %+v", got.Auth)
	}
}

func TestMergeMapRejectsNonMap(t *testing.T) {
	if _, err := mergeMap([]interface{}{}, map[string]interface{}{}); err == nil {
		t.Fatalf("expected error")
	}
}
