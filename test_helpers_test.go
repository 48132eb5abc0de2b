package main

import (
	"path/filepath"
	"runtime"
	"testing"
)

// configFixture 返回 internal/config/testdata 下的示例配置，main 包位于仓库根目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位项目根目录")
	}
	return filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
}
