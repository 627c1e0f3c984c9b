package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gravity-claw/internal/auth"
	"gravity-claw/sdk/go/gravityclaw"
)

func newSDKClient(flags *globalFlags) (*gravityclaw.Client, error) {
	client, err := gravityclaw.NewClient(flags.serverURL, nil)
	if err != nil {
		return nil, err
	}
	client.SetToken(flags.token)
	return client, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newChatCommand(flags *globalFlags) *cobra.Command {
	var (
		session string
		local   bool
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "向代理发送一条消息",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if local {
				cfg, err := loadConfig(flags.configPath)
				if err != nil {
					return err
				}
				if session == "" {
					session = cfg.Agent.DefaultSession
				}
				app, err := buildApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer app.Close()
				reply, err := app.loop.Run(cmd.Context(), session, message, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			}

			client, err := newSDKClient(flags)
			if err != nil {
				return err
			}
			reply, err := client.Chat(cmd.Context(), gravityclaw.ChatRequest{SessionID: session, Message: message})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.Reply)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "会话 ID")
	cmd.Flags().BoolVar(&local, "local", false, "在本进程内运行对话循环")
	return cmd
}

func newLeadCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "管理线索流水线",
	}

	var leadID string
	intake := &cobra.Command{
		Use:   "intake <address>",
		Short: "提交新线索",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newSDKClient(flags)
			if err != nil {
				return err
			}
			payload := map[string]any{"address": strings.Join(args, " ")}
			if leadID != "" {
				payload["lead_id"] = leadID
			}
			accepted, err := client.IntakeLead(cmd.Context(), payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), accepted)
		},
	}
	intake.Flags().StringVar(&leadID, "id", "", "线索 ID，缺省时由服务端生成")

	resume := &cobra.Command{
		Use:   "resume <leadId> <targetPrice>",
		Short: "提供目标价格并开始计算",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := strconv.ParseFloat(strings.ReplaceAll(args[1], ",", ""), 64)
			if err != nil {
				return fmt.Errorf("目标价格必须是数字: %w", err)
			}
			client, err := newSDKClient(flags)
			if err != nil {
				return err
			}
			lead, err := client.Resume(cmd.Context(), args[0], price)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lead)
		},
	}

	execute := &cobra.Command{
		Use:   "execute <leadId>",
		Short: "审批并执行线索",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newSDKClient(flags)
			if err != nil {
				return err
			}
			lead, err := client.Execute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), lead)
		},
	}

	var statuses []string
	get := &cobra.Command{
		Use:   "get [leadId]",
		Short: "查看单个线索或按状态列出",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newSDKClient(flags)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				lead, err := client.Lead(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lead)
			}
			leads, err := client.Pipeline(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), leads)
		},
	}
	get.Flags().StringSliceVar(&statuses, "status", nil, "按状态过滤")

	cmd.AddCommand(intake, resume, execute, get)
	return cmd
}

func newTokenCommand(flags *globalFlags) *cobra.Command {
	var (
		subject string
		perms   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发操作员 JWT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			svc, err := newAuthService(cfg.Auth)
			if err != nil {
				return err
			}
			if svc.Mode() != auth.ModeJWT {
				return errors.New("仅 jwt 模式支持签发令牌")
			}
			token, err := svc.IssueToken(subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "令牌主体")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "授予的权限，缺省为全部")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "有效期，缺省使用配置")
	return cmd
}
