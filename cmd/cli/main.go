// Copyright 2026 fanjia1024
// kernel CLI：本地 REPL 与远程 API 客户端

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"agent-kernel/internal/agent/audit"
	"agent-kernel/internal/app"
	"agent-kernel/pkg/config"
	"agent-kernel/pkg/log"
	"agent-kernel/pkg/tracing"
)

var version = "dev"

type options struct {
	configPath string
	apiURL     string
	token      string
	jsonOut    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "kernel",
		Short:         "agent-kernel 命令行",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "配置文件路径（默认 KERNEL_CONFIG 或 configs/kernel.yaml）")
	root.PersistentFlags().StringVar(&opts.apiURL, "api", apiBaseURL(), "远程 API 地址")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KERNEL_API_TOKEN"), "JWT token")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "输出完整 JSON")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "显示版本",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "agent-kernel %s\n", version)
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "远程健康检查",
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, err := newClient(opts.apiURL, opts.token).health()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(out))
				return nil
			},
		},
		newChatCmd(opts),
		newSendCmd(opts),
		newApprovalsCmd(opts),
		newSessionsCmd(opts),
		newLoginCmd(opts),
		newAuditCmd(),
		newToolsCmd(opts),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	return config.Load()
}

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <agent_id> <user_id>",
		Short: "本地交互式会话，需要审批的工具调用在终端确认",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if t := cfg.Monitoring.Tracing; t.Enable && t.ExportEndpoint != "" {
				tp, err := tracing.InitTracer(tracing.OTelConfig{
					ServiceName:    t.ServiceName,
					ExportEndpoint: t.ExportEndpoint,
					Insecure:       t.Insecure,
				})
				if err != nil {
					return err
				}
				defer func() { _ = tp.Shutdown(context.Background()) }()
			}

			out := cmd.OutOrStdout()
			lines := lineReader(cmd.InOrStdin())
			logger := log.NewWithWriter(cmd.ErrOrStderr(), slog.LevelWarn, "text")
			boot, err := app.NewBootstrap(ctx, cfg, app.Options{
				Approvals: NewTerminalChannel(lines, out),
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer boot.Close()

			err = repl(ctx, boot.Controller, args[0], args[1], lines, out)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <agent_id> <user_id> <message...>",
		Short: "通过远程 API 执行一轮",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient(opts.apiURL, opts.token).sendTurn(args[0], args[1], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			if opts.jsonOut {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(out))
				return nil
			}
			content, _ := out["content"].(string)
			fmt.Fprintln(cmd.OutOrStdout(), content)
			return nil
		},
	}
}

func newApprovalsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "列出或答复远程审批",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := newClient(opts.apiURL, opts.token).listApprovals()
			if err != nil {
				return err
			}
			printApprovals(cmd.OutOrStdout(), out, opts.jsonOut)
			return nil
		},
	}
	resolve := func(use string, approved bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <approval_id>",
			Short: use + " 一个审批",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := newClient(opts.apiURL, opts.token).resolveApproval(args[0], approved); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], use)
				return nil
			},
		}
	}
	cmd.AddCommand(resolve("approve", true), resolve("deny", false))
	return cmd
}

func printApprovals(w io.Writer, out map[string]interface{}, jsonOut bool) {
	if jsonOut {
		fmt.Fprintln(w, prettyJSON(out))
		return
	}
	items, _ := out["approvals"].([]interface{})
	if len(items) == 0 {
		fmt.Fprintln(w, "no pending approvals")
		return
	}
	for _, raw := range items {
		item, _ := raw.(map[string]interface{})
		fmt.Fprintf(w, "%v\t%v\tdeadline %v\n", item["id"], item["description"], item["deadline"])
	}
}

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "列出远程会话",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := newClient(opts.apiURL, opts.token).listSessions()
			if err != nil {
				return err
			}
			keys, _ := out["sessions"].([]interface{})
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session_key>",
		Short: "显示会话消息与摘要",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient(opts.apiURL, opts.token).sessionMessages(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(out))
			return nil
		},
	})
	return cmd
}

func newLoginCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "登录远程 API 并输出 token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := newClient(opts.apiURL, "").login(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "输出本地配置下提供给模型的工具 Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			reg, err := app.NewRegistry(cfg.Sandbox, log.NewWithWriter(cmd.ErrOrStderr(), slog.LevelWarn, "text"))
			if err != nil {
				return err
			}
			raw, err := reg.SchemasForLLM()
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "审计日志工具"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <file>",
		Short: "校验审计日志哈希链",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := audit.VerifyFile(args[0])
			if err != nil {
				if rep.BrokenAt >= 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "chain broken at entry %d\n", rep.BrokenAt)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entries=%d chained=%t intact\n", rep.Entries, rep.Chained)
			return nil
		},
	})
	return cmd
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
