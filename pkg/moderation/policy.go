// Copyright 2024-2026 Aiku AI

// Package moderation holds the per-group moderation policy, its caching
// store, and the pipeline that reacts to membership changes and message
// content.
package moderation

import "time"

// defaultNoticeImage is the stock welcome/goodbye image used until a
// group configures its own.
const defaultNoticeImage = "https://files.catbox.moe/bm2v7m.jpg"

// DefaultMaxWarnings is the warning threshold of a fresh policy.
const DefaultMaxWarnings = 3

// Policy is the moderation configuration of one group.
type Policy struct {
	WelcomeEnabled     bool   `bson:"welcome_enabled"`
	GoodbyeEnabled     bool   `bson:"goodbye_enabled"`
	WelcomeImage       string `bson:"welcome_image"`
	GoodbyeImage       string `bson:"goodbye_image"`
	NotifyAdminChanges bool   `bson:"notify_admin_changes"`
	Antilink           bool   `bson:"antilink"`
	NSFWFilter         bool   `bson:"nsfw_filter"`
	AutoDeleteLinks    bool   `bson:"auto_delete_links"`
	MaxWarnings        int    `bson:"max_warnings"`
	Language           string `bson:"language"`
}

// DefaultPolicy returns the policy synthesized for a group seen for the
// first time: welcome/goodbye and admin notifications on, all content
// filters off.
func DefaultPolicy() *Policy {
	return &Policy{
		WelcomeEnabled:     true,
		GoodbyeEnabled:     true,
		WelcomeImage:       defaultNoticeImage,
		GoodbyeImage:       defaultNoticeImage,
		NotifyAdminChanges: true,
		Antilink:           false,
		NSFWFilter:         false,
		AutoDeleteLinks:    false,
		MaxWarnings:        DefaultMaxWarnings,
		Language:           "en",
	}
}

// PolicyPatch is a partial policy update; nil fields keep the current
// value.
type PolicyPatch struct {
	WelcomeEnabled     *bool
	GoodbyeEnabled     *bool
	WelcomeImage       *string
	GoodbyeImage       *string
	NotifyAdminChanges *bool
	Antilink           *bool
	NSFWFilter         *bool
	AutoDeleteLinks    *bool
	MaxWarnings        *int
	Language           *string
}

// Merge returns a copy of the policy with the patch applied.
func (p *Policy) Merge(patch PolicyPatch) *Policy {
	merged := *p
	if patch.WelcomeEnabled != nil {
		merged.WelcomeEnabled = *patch.WelcomeEnabled
	}
	if patch.GoodbyeEnabled != nil {
		merged.GoodbyeEnabled = *patch.GoodbyeEnabled
	}
	if patch.WelcomeImage != nil {
		merged.WelcomeImage = *patch.WelcomeImage
	}
	if patch.GoodbyeImage != nil {
		merged.GoodbyeImage = *patch.GoodbyeImage
	}
	if patch.NotifyAdminChanges != nil {
		merged.NotifyAdminChanges = *patch.NotifyAdminChanges
	}
	if patch.Antilink != nil {
		merged.Antilink = *patch.Antilink
	}
	if patch.NSFWFilter != nil {
		merged.NSFWFilter = *patch.NSFWFilter
	}
	if patch.AutoDeleteLinks != nil {
		merged.AutoDeleteLinks = *patch.AutoDeleteLinks
	}
	if patch.MaxWarnings != nil {
		merged.MaxWarnings = *patch.MaxWarnings
	}
	if patch.Language != nil {
		merged.Language = *patch.Language
	}
	return &merged
}

// ViolationKind classifies a detected policy breach.
type ViolationKind string

const (
	ViolationLink ViolationKind = "link"
	ViolationNSFW ViolationKind = "nsfw"
)

// Violation is an ephemeral record of a detected policy breach, consumed
// once by the pipeline to produce a warning or delete action. It is never
// persisted.
type Violation struct {
	Kind       ViolationKind
	GroupID    string
	Sender     string
	DetectedAt time.Time
}
