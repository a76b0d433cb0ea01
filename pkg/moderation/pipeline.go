// Copyright 2024-2026 Aiku AI

package moderation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mininew/pkg/transport"
)

// memberNoticeDelay spaces out per-member notices in a batch join/leave
// to respect outbound rate limits.
const memberNoticeDelay = time.Second

var welcomeTemplate = template.Must(template.New("welcome").Parse(
	"🎉 *WELCOME TO {{.GroupUpper}}*\n\n" +
		"👤 *User:* @{{.Name}}\n" +
		"🏠 *Group:* {{.Group}}\n" +
		"🔢 *Members:* {{.Members}}\n" +
		"📅 *Date joined:* {{.Date}}\n" +
		"🕒 *Time:* {{.Time}}\n\n" +
		"💫 _Enjoy your stay in our community!_",
))

var goodbyeTemplate = template.Must(template.New("goodbye").Parse(
	"😢 *GOODBYE @{{.Name}}*\n\n" +
		"🏠 *Group:* {{.Group}}\n" +
		"📅 *Date:* {{.Date}}\n" +
		"🕒 *Time:* {{.Time}}\n\n" +
		"🕊️ _Stay safe and come back soon!_",
))

type noticeParams struct {
	Name       string
	Group      string
	GroupUpper string
	Members    int
	Date       string
	Time       string
}

// linkPatterns are the URL shapes the anti-link filter recognizes: an
// explicit scheme, a www. prefix, and a bare domain-looking token.
var linkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://\S+`),
	regexp.MustCompile(`(?i)\bwww\.\S+`),
	regexp.MustCompile(`\b[a-zA-Z0-9-]+\.[a-zA-Z]{2,}\b`),
}

// nsfwTerms is the banned-term list for the NSFW filter, matched
// case-insensitively as substrings.
var nsfwTerms = []string{
	"porn", "xxx", "nsfw", "adult", "explicit",
	"nude", "naked", "sex", "fuck", "dick", "pussy",
}

func containsLink(body string) bool {
	for _, pattern := range linkPatterns {
		if pattern.MatchString(body) {
			return true
		}
	}
	return false
}

func containsNSFW(body string) bool {
	lowered := strings.ToLower(body)
	for _, term := range nsfwTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// Pipeline reacts to group membership changes and message content per the
// group's resolved policy. All actions are best-effort notifications: a
// failed send or delete is logged, never retried.
type Pipeline struct {
	policies *Store
	log      zerolog.Logger

	// memberDelay is overridable in tests; production uses memberNoticeDelay.
	memberDelay time.Duration
	now         func() time.Time
}

// NewPipeline creates a moderation pipeline over the given policy store.
func NewPipeline(policies *Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		policies:    policies,
		log:         log.With().Str("component", "moderation_pipeline").Logger(),
		memberDelay: memberNoticeDelay,
		now:         time.Now,
	}
}

// HandleParticipants processes one group membership change. Participants
// are handled strictly in the order received.
func (p *Pipeline) HandleParticipants(ctx context.Context, conn transport.Handle, ev transport.ParticipantsEvent) {
	policy := p.policies.GetPolicy(ctx, ev.GroupID)
	switch ev.Action {
	case transport.ParticipantAdd:
		if policy.WelcomeEnabled {
			p.sendMemberNotices(ctx, conn, ev, policy, welcomeTemplate, policy.WelcomeImage)
		}
	case transport.ParticipantRemove:
		if policy.GoodbyeEnabled {
			p.sendMemberNotices(ctx, conn, ev, policy, goodbyeTemplate, policy.GoodbyeImage)
		}
	case transport.ParticipantPromote:
		if policy.NotifyAdminChanges {
			p.sendAdminNotices(ctx, conn, ev, "👑 *ADMIN PROMOTION*\n\n@%s has been promoted to admin in this group!")
		}
	case transport.ParticipantDemote:
		if policy.NotifyAdminChanges {
			p.sendAdminNotices(ctx, conn, ev, "🔻 *ADMIN DEMOTION*\n\n@%s has been demoted from admin in this group.")
		}
	default:
		p.log.Debug().Str("action", string(ev.Action)).Str("group_id", ev.GroupID).Msg("Unhandled participant action")
	}
}

func (p *Pipeline) sendMemberNotices(ctx context.Context, conn transport.Handle, ev transport.ParticipantsEvent, policy *Policy, tmpl *template.Template, image string) {
	meta, err := conn.GroupMetadata(ctx, ev.GroupID)
	if err != nil {
		p.log.Warn().Err(err).Str("group_id", ev.GroupID).Msg("Failed to fetch group metadata, skipping member notices")
		return
	}

	now := p.now()
	for i, jid := range ev.JIDs {
		if i > 0 {
			time.Sleep(p.memberDelay)
		}
		name, ok := conn.ResolveName(ctx, jid)
		if !ok {
			name = transport.BareName(jid)
		}
		var b strings.Builder
		err := tmpl.Execute(&b, noticeParams{
			Name:       name,
			Group:      meta.Subject,
			GroupUpper: strings.ToUpper(meta.Subject),
			Members:    len(meta.Participants),
			Date:       now.Format("2006-01-02"),
			Time:       now.Format("15:04:05"),
		})
		if err != nil {
			p.log.Error().Err(err).Str("group_id", ev.GroupID).Msg("Failed to render member notice")
			continue
		}
		content := &transport.Content{
			ImageURL: image,
			Caption:  b.String(),
			Mentions: []string{jid},
		}
		if err := conn.SendMessage(ctx, ev.GroupID, content); err != nil {
			p.log.Warn().Err(err).Str("group_id", ev.GroupID).Str("member", jid).Msg("Failed to send member notice")
		}
	}
}

func (p *Pipeline) sendAdminNotices(ctx context.Context, conn transport.Handle, ev transport.ParticipantsEvent, format string) {
	for _, jid := range ev.JIDs {
		name, ok := conn.ResolveName(ctx, jid)
		if !ok {
			name = transport.BareName(jid)
		}
		content := &transport.Content{
			Text:     fmt.Sprintf(format, name),
			Mentions: []string{jid},
		}
		if err := conn.SendMessage(ctx, ev.GroupID, content); err != nil {
			p.log.Warn().Err(err).Str("group_id", ev.GroupID).Str("member", jid).Msg("Failed to send admin change notice")
		}
	}
}

// CheckMessage evaluates one inbound group message against the group's
// content filters. Non-group messages are ignored. The link and NSFW
// checks run independently; either can act on the same message.
func (p *Pipeline) CheckMessage(ctx context.Context, conn transport.Handle, msg *transport.Message) {
	if !msg.IsGroup() {
		return
	}
	body := msg.Body()
	if body == "" {
		return
	}
	policy := p.policies.GetPolicy(ctx, msg.Chat)

	if policy.Antilink && containsLink(body) {
		p.handleViolation(ctx, conn, msg, Violation{
			Kind:       ViolationLink,
			GroupID:    msg.Chat,
			Sender:     msg.Sender,
			DetectedAt: p.now(),
		}, policy.AutoDeleteLinks)
	}
	if policy.NSFWFilter && containsNSFW(body) {
		// NSFW deletion has no opt-out, unlike the link filter.
		p.handleViolation(ctx, conn, msg, Violation{
			Kind:       ViolationNSFW,
			GroupID:    msg.Chat,
			Sender:     msg.Sender,
			DetectedAt: p.now(),
		}, true)
	}
}

func (p *Pipeline) handleViolation(ctx context.Context, conn transport.Handle, msg *transport.Message, v Violation, deleteMessage bool) {
	log := p.log.With().
		Str("kind", string(v.Kind)).
		Str("group_id", v.GroupID).
		Str("sender", v.Sender).
		Logger()
	log.Info().Msg("Policy violation detected")

	var warning string
	switch v.Kind {
	case ViolationLink:
		warning = fmt.Sprintf("⚠️ *LINK DETECTED*\n\n@%s Please avoid sending links in this group!", transport.BareName(v.Sender))
	case ViolationNSFW:
		warning = fmt.Sprintf("🔞 *NSFW CONTENT DETECTED*\n\n@%s Please avoid NSFW content in this group!", transport.BareName(v.Sender))
	}

	ref := msg.Ref()
	content := &transport.Content{
		Text:     warning,
		Mentions: []string{v.Sender},
		Quoted:   &ref,
	}
	if err := conn.SendMessage(ctx, v.GroupID, content); err != nil {
		log.Warn().Err(err).Msg("Failed to send violation warning")
	}
	if deleteMessage {
		if err := conn.DeleteMessage(ctx, ref); err != nil {
			log.Warn().Err(err).Msg("Failed to delete offending message")
		}
	}
}
