package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"ZKPay-Chain/internal/auth"
	"ZKPay-Chain/internal/config"
	"ZKPay-Chain/internal/web3/provider"
)

// main 是 zkpayd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "zkpayd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCommand(opts)
	root := &cobra.Command{
		Use:           "zkpayd",
		Short:         "零知识证明会话编排服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "配置文件路径，默认读取 ZKPAY_CONFIG 或 configs/zkpay.json")
	root.AddCommand(serve, newChainsCommand(opts), newTokenCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 WebSocket 会话服务与后台工作池",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newChainsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "列出已配置的验证链及其最新区块",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			chains, err := provider.NewRegistry(cmd.Context(), cfg.Web3)
			if err != nil {
				return err
			}
			defer chains.Close()

			snapshots, err := chains.Snapshots(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snapshots)
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var permissions []string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "签发访问令牌，需要 auth.mode 为 jwt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			svc, err := newAuthService(cfg.Auth)
			if err != nil {
				return err
			}
			token, expires, err := svc.Issue(args[0], permissions...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"access_token": token,
				"expires_at":   expires.UTC(),
				"permissions":  permissions,
			})
		},
	}
	cmd.Flags().StringSliceVar(&permissions, "permission", []string{auth.PermSessionsOpen, auth.PermProofsRead}, "令牌携带的权限")
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("ZKPAY_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "zkpay.json")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && o.configPath == "" && os.Getenv("ZKPAY_CONFIG") == "" {
		// 没有任何配置时退回全内存的演示配置。
		return config.Default("."), nil
	}
	return config.Load(path)
}
