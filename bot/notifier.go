package bot

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// LogNotifier writes notifications to the log. It stands in for Telegram
// when no bot token is configured.
type LogNotifier struct{}

func (LogNotifier) Send(text string) {
	// Keep one line per notification.
	log.Info().Str("text", strings.ReplaceAll(text, "\n", " | ")).Msg("📣 Notification")
}
