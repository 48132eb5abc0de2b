package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// globalOptions 汇总所有子命令共享的标志。
type globalOptions struct {
	configPath string
}

// exitError 携带子命令希望返回的退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并运行，返回退出码，方便测试。
func execute(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "mediahost",
		Short: "Local media cache host for the desktop client",
		Long: `
mediahost downloads remote media (avatars, banners, animations, badge data)
once, keeps it in a local cache directory, and serves the cached paths to the
desktop UI over a loopback HTTP API.

Running mediahost without a subcommand is the same as "mediahost serve".
`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIAHOST_CONFIG 覆盖）")

	root.AddCommand(
		newServeCommand(opts),
		newCheckConfigCommand(opts),
		newCacheCommand(opts),
		newVersionCommand(),
	)
	return root
}
