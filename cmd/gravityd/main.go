package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags 注入。
var (
	version = "dev"
	commit  = "none"
)

// main 是 Gravity Claw 守护进程与命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gravityd: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	serverURL  string
	token      string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gravityd",
		Short:         "Gravity Claw agent daemon and operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath(), "配置文件路径")
	root.PersistentFlags().StringVar(&flags.serverURL, "server", envOr("GRAVITY_URL", "http://localhost:3000"), "服务端地址")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("GRAVITY_TOKEN"), "操作员令牌")

	root.AddCommand(
		newServeCommand(flags),
		newChatCommand(flags),
		newLeadCommand(flags),
		newTokenCommand(flags),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gravityd %s (%s)\n", version, commit)
		},
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("GRAVITY_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "gravity.yaml")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
