package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Info 是 /-/version 诊断接口返回的结构。
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"go_version"`
}

// Current 返回当前二进制的版本信息。
func Current() Info {
	return Info{
		Name:      "mediahost",
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
	}
}

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	info := Current()
	return fmt.Sprintf("%s %s (%s)", info.Name, info.Version, info.Commit)
}
