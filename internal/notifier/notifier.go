package notifier

import (
	"context"
	"fmt"
	"strings"

	"feedsync/internal/model"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier posts to a Telegram channel when a feed becomes broken and when a
// broken feed syncs again. Other status changes are ignored.
type Notifier struct {
	bot       Sender
	channelID int64
}

func New(bot Sender, channelID int64) *Notifier {
	return &Notifier{
		bot:       bot,
		channelID: channelID,
	}
}

func (n *Notifier) FeedStatusChanged(_ context.Context, feed model.Feed, state model.SyncState) {
	if !ShouldAlert(feed.SyncStatus, state.Status) {
		return
	}

	msg := tgbotapi.NewMessage(n.channelID, FormatAlert(feed, state))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		log.Error().
			Err(err).
			Int64("user_id", feed.UserID).
			Int64("feed_id", feed.ID).
			Str("feed_url", feed.FeedURL).
			Msg("failed to send feed status alert")
	}
}

func ShouldAlert(from, to model.SyncStatus) bool {
	if from == to {
		return false
	}

	return to == model.SyncStatusBroken || from == model.SyncStatusBroken
}

func FormatAlert(feed model.Feed, state model.SyncState) string {
	name := feed.Title
	if name == "" {
		name = feed.FeedURL
	}

	if state.Status != model.SyncStatusBroken {
		return fmt.Sprintf("*%s*\n\n%s\n%s",
			EscapeForMarkdown("Feed recovered"),
			EscapeForMarkdown(name),
			EscapeForMarkdown(feed.FeedURL),
		)
	}

	return fmt.Sprintf("*%s*\n\n%s\n%s\n\n%s",
		EscapeForMarkdown("Feed broken"),
		EscapeForMarkdown(name),
		EscapeForMarkdown(feed.FeedURL),
		EscapeForMarkdown(fmt.Sprintf("%d failed attempts, last error: %s", state.Failures, state.Error)),
	)
}

var replacer = strings.NewReplacer(
	"\\", "\\\\",
	"-", "\\-",
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

func EscapeForMarkdown(src string) string {
	return replacer.Replace(src)
}
