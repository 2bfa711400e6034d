// Package commands holds the builtin command set: diagnostics every
// deployment gets plus the admin-only management commands.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hikl/hiklqqbot/internal/admin"
	"github.com/hikl/hiklqqbot/internal/blacklist"
	"github.com/hikl/hiklqqbot/internal/event"
	"github.com/hikl/hiklqqbot/internal/router"
	"github.com/hikl/hiklqqbot/internal/stats"
	"github.com/hikl/hiklqqbot/internal/store"
)

// Deps are the services the builtin commands operate on. Admins,
// Blocked, and Stats may be nil; the commands needing them degrade to
// an explanatory reply.
type Deps struct {
	Admins  *admin.Manager
	Blocked *blacklist.Manager
	Stats   *stats.Recorder
	Version string
	Started time.Time
}

// RegisterBuiltins installs the builtin command set on r.
func RegisterBuiltins(r *router.Router, deps Deps) {
	b := &builtins{deps: deps, router: r}

	r.Register(router.Command{
		Name:        "ping",
		Description: "测试机器人是否在线",
		Handler:     b.ping,
	})
	r.Register(router.Command{
		Name:        "help",
		Description: "查看可用命令",
		Handler:     b.help,
	})
	r.Register(router.Command{
		Name:        "userid",
		Description: "查看你的用户ID和会话ID",
		Handler:     b.userID,
	})
	r.Register(router.Command{
		Name:        "status",
		Description: "查看机器人运行状态",
		Handler:     b.status,
	})
	r.Register(router.Command{
		Name:        "admin",
		Description: "管理员管理: admin add|remove|list <用户ID>",
		AdminOnly:   true,
		Handler:     b.admin,
	})
	r.Register(router.Command{
		Name:        "maintenance",
		Description: "维护模式: maintenance on|off",
		AdminOnly:   true,
		Handler:     b.maintenance,
	})
	r.Register(router.Command{
		Name:        "blacklist",
		Description: "黑名单管理: blacklist add|remove|list [user|group] <ID>",
		AdminOnly:   true,
		Handler:     b.blacklistCmd,
	})
	r.Register(router.Command{
		Name:        "stats",
		Description: "查看命令使用统计",
		AdminOnly:   true,
		Handler:     b.statsCmd,
	})
}

type builtins struct {
	deps   Deps
	router *router.Router
}

func (b *builtins) ping(ctx context.Context, ev event.Event, args string) (string, error) {
	return "pong", nil
}

func (b *builtins) help(ctx context.Context, ev event.Event, args string) (string, error) {
	isAdmin := b.deps.Admins != nil && b.deps.Admins.IsAdmin(ev.SenderID)

	var sb strings.Builder
	sb.WriteString("可用命令:\n")
	for _, cmd := range b.router.Commands() {
		if cmd.Hidden {
			continue
		}
		if cmd.AdminOnly && !isAdmin {
			continue
		}
		fmt.Fprintf(&sb, "/%s - %s\n", cmd.Name, cmd.Description)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *builtins) userID(ctx context.Context, ev event.Event, args string) (string, error) {
	return fmt.Sprintf("用户ID: %s\n会话ID: %s", ev.SenderID, ev.ConversationID), nil
}

func (b *builtins) status(ctx context.Context, ev event.Event, args string) (string, error) {
	uptime := time.Since(b.deps.Started).Round(time.Second)
	maint := "关闭"
	if b.deps.Admins != nil && b.deps.Admins.InMaintenance() {
		maint = "开启"
	}
	return fmt.Sprintf("版本: %s\n运行时间: %s\n维护模式: %s", b.deps.Version, uptime, maint), nil
}

func (b *builtins) admin(ctx context.Context, ev event.Event, args string) (string, error) {
	if b.deps.Admins == nil {
		return "管理员功能未启用", nil
	}

	action, target, _ := strings.Cut(strings.TrimSpace(args), " ")
	target = strings.TrimSpace(target)

	switch action {
	case "add":
		if target == "" {
			return "用法: /admin add <用户ID>", nil
		}
		added, err := b.deps.Admins.Add(ctx, target, ev.SenderID)
		if err != nil {
			return "", err
		}
		if !added {
			return fmt.Sprintf("%s 已经是管理员", target), nil
		}
		return fmt.Sprintf("已添加管理员 %s", target), nil
	case "remove":
		if target == "" {
			return "用法: /admin remove <用户ID>", nil
		}
		removed, err := b.deps.Admins.Remove(ctx, target)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("%s 不是管理员", target), nil
		}
		return fmt.Sprintf("已移除管理员 %s", target), nil
	case "list", "":
		admins := b.deps.Admins.List()
		if len(admins) == 0 {
			return "当前没有管理员", nil
		}
		return "管理员列表:\n" + strings.Join(admins, "\n"), nil
	default:
		return "用法: /admin add|remove|list <用户ID>", nil
	}
}

func (b *builtins) maintenance(ctx context.Context, ev event.Event, args string) (string, error) {
	if b.deps.Admins == nil {
		return "管理员功能未启用", nil
	}
	switch strings.TrimSpace(args) {
	case "on":
		b.deps.Admins.SetMaintenance(true)
		return "维护模式已开启，仅管理员可用", nil
	case "off":
		b.deps.Admins.SetMaintenance(false)
		return "维护模式已关闭", nil
	default:
		state := "关闭"
		if b.deps.Admins.InMaintenance() {
			state = "开启"
		}
		return fmt.Sprintf("维护模式: %s\n用法: /maintenance on|off", state), nil
	}
}

func (b *builtins) blacklistCmd(ctx context.Context, ev event.Event, args string) (string, error) {
	if b.deps.Blocked == nil {
		return "黑名单功能未启用", nil
	}

	fields := strings.Fields(args)
	action := ""
	if len(fields) > 0 {
		action = fields[0]
	}

	switch action {
	case "add", "remove":
		scope := store.ScopeUser
		var target string
		switch len(fields) {
		case 2:
			target = fields[1]
		case 3:
			scope = fields[1]
			target = fields[2]
		default:
			return "用法: /blacklist " + action + " [user|group] <ID>", nil
		}

		if action == "add" {
			if err := b.deps.Blocked.Block(ctx, target, scope, "", ev.SenderID); err != nil {
				return "", err
			}
			return fmt.Sprintf("已拉黑 %s (%s)", target, scope), nil
		}
		removed, err := b.deps.Blocked.Unblock(ctx, target, scope)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("%s (%s) 不在黑名单中", target, scope), nil
		}
		return fmt.Sprintf("已解除拉黑 %s (%s)", target, scope), nil
	case "list", "":
		entries, err := b.deps.Blocked.List(ctx)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "黑名单为空", nil
		}
		var sb strings.Builder
		sb.WriteString("黑名单:\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s (%s)\n", e.TargetID, e.Scope)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	default:
		return "用法: /blacklist add|remove|list [user|group] <ID>", nil
	}
}

func (b *builtins) statsCmd(ctx context.Context, ev event.Event, args string) (string, error) {
	if b.deps.Stats == nil {
		return "统计功能未启用", nil
	}
	summary, err := b.deps.Stats.Summarize(ctx, 5)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "命令总数: %d (失败 %d)\n", summary.TotalCommands, summary.TotalErrors)
	if len(summary.TopCommands) > 0 {
		sb.WriteString("最常用:\n")
		for _, c := range summary.TopCommands {
			fmt.Fprintf(&sb, "/%s: %d\n", c.Command, c.Count)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
