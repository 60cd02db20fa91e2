package model

import (
	"time"
)

// Item is a feed entry in the canonical shape, independent of the document
// format it was read from.
type Item struct {
	GUID        string
	Title       string
	Description string
	Content     string
	URL         string
	Author      string
	PublishedAt time.Time // дата публикации в источнике
}

type Feed struct {
	ID           int64
	UserID       int64
	Title        string
	Description  string
	SiteURL      string
	FeedURL      string
	LastSyncAt   time.Time // zero until the first attempt
	SyncStatus   SyncStatus
	SyncError    string
	SyncFailures int
	CreatedAt    time.Time
}

type Article struct {
	ID           int64
	UserID       int64
	FeedID       *int64 // nil for articles saved outside of a feed
	GUID         string
	Title        string
	URL          string
	Description  string
	Content      string
	Author       string
	PublishedAt  time.Time
	IsRead       bool
	IsArchived   bool
	CleanContent *string
	CreatedAt    time.Time
}

type RuleOperator string

const (
	OperatorIncludes    RuleOperator = "includes"
	OperatorNotIncludes RuleOperator = "not_includes"
)

type FilterRule struct {
	ID       int64
	FeedID   int64
	Pattern  string
	Operator RuleOperator
	IsActive bool
}

type Tag struct {
	ID     int64
	UserID int64
	Name   string
}

// Settings is the per-user preferences row. AutoArchiveDays is nil when the
// user never chose a retention period.
type Settings struct {
	UserID          int64
	AutoArchiveDays *int
}

// FeedMetadata is the channel-level information refreshed from a feed document.
type FeedMetadata struct {
	Title       string
	Description string
	SiteURL     string
}
