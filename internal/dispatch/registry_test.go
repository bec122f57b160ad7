package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRegistryFromYAML(t *testing.T) {
	raw := `
defaults:
  timeoutSeconds: 15
  maxRetries: 2
agents:
  search:
    baseUrl: http://search.internal:8080/
  compute:
    baseUrl: http://compute.internal:9090
    timeoutSeconds: 60
    maxRetries: 5
`
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	registry, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	search, ok := registry.Lookup("search")
	if !ok {
		t.Fatal("search 应已注册")
	}
	if search.BaseURL != "http://search.internal:8080" {
		t.Fatalf("BaseURL 应去除尾部斜杠: %s", search.BaseURL)
	}
	if search.Timeout() != 15*time.Second || search.MaxRetries != 2 {
		t.Fatalf("默认值未生效: %+v", search)
	}

	compute, _ := registry.Lookup("compute")
	if compute.Timeout() != time.Minute || compute.MaxRetries != 5 {
		t.Fatalf("显式配置不符: %+v", compute)
	}

	if len(registry.Names()) != 2 {
		t.Fatalf("注册数量 = %d, want 2", len(registry.Names()))
	}
}

func TestLoadRegistryErrors(t *testing.T) {
	if _, err := LoadRegistry(""); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("不存在的文件应报错")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("agents: [not a map"), 0o644)
	if _, err := LoadRegistry(bad); err == nil {
		t.Fatal("非法 YAML 应报错")
	}
}
