// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"fmt"
	"time"

	"github.com/aiku/mininew/pkg/transport"
)

// Builtin returns the plugins shipped with the bot. Callers register them
// on a Registry at startup; registration order drives the menu layout.
func Builtin() []Plugin {
	return []Plugin{
		pingPlugin(),
		groupInfoPlugin(),
	}
}

func pingPlugin() Plugin {
	return Plugin{
		Command:     "ping",
		Description: "Test bot response time and status",
		Category:    "tools",
		Execute: func(ctx context.Context, conn transport.Handle, msg *transport.Message, _ []string, number string) error {
			ref := msg.Ref()
			start := time.Now()
			if err := conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: "🏓 Pong!", Quoted: &ref}); err != nil {
				return err
			}
			elapsed := time.Since(start)
			detail := fmt.Sprintf("🏓 *PONG!*\n\n⏱️ Response time: %dms\n🔢 Bot number: %s", elapsed.Milliseconds(), number)
			return conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: detail})
		},
	}
}

func groupInfoPlugin() Plugin {
	return Plugin{
		Command:     "groupinfo",
		Description: "Show group name, members and settings summary",
		Category:    "group",
		Execute: func(ctx context.Context, conn transport.Handle, msg *transport.Message, _ []string, _ string) error {
			ref := msg.Ref()
			if !msg.IsGroup() {
				return conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: "❌ This command only works in groups.", Quoted: &ref})
			}
			meta, err := conn.GroupMetadata(ctx, msg.Chat)
			if err != nil {
				sendErr := conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: "❌ Error fetching group information.", Quoted: &ref})
				if sendErr != nil {
					return fmt.Errorf("fetch group metadata: %w (reply failed: %v)", err, sendErr)
				}
				return fmt.Errorf("fetch group metadata: %w", err)
			}
			admins := 0
			for _, p := range meta.Participants {
				if p.IsAdmin {
					admins++
				}
			}
			desc := meta.Description
			if desc == "" {
				desc = "No description"
			}
			info := fmt.Sprintf(
				"🏠 *GROUP INFORMATION*\n\n📛 *Name:* %s\n🔢 *Members:* %d\n👑 *Admins:* %d\n📅 *Created:* %s\n\n💫 *Description:* %s",
				meta.Subject, len(meta.Participants), admins, meta.CreatedAt.Format("2006-01-02"), desc,
			)
			return conn.SendMessage(ctx, msg.Chat, &transport.Content{Text: info, Quoted: &ref})
		},
	}
}
