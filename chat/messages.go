package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/mognev/recipebot/download"
	"github.com/mognev/recipebot/platform"
	"github.com/mognev/recipebot/recipe"
	"github.com/mognev/recipebot/store"
)

// One distinct reply per failure kind. The generic fallback is only for
// faults outside the known taxonomy.
const (
	msgSendLink    = "Send me an Instagram / TikTok / YouTube link"
	msgFetching    = "🏃 Fetching the video…"
	msgUnsupported = "I can only read Instagram, TikTok and YouTube links."
	msgAuthNeeded  = "🔑 This video needs a login (private or subscriber-only). Try a public link."
	msgNotFound    = "🔍 Video not found. It may have been deleted, or the link is wrong."
	msgBadFormat   = "⚠️ I couldn't read this video's format."
	msgNetwork     = "📡 Network trouble while downloading. Please try again in a few minutes."
	msgModelBusy   = "⏳ The kitchen is crowded right now. Try again in a minute."
	msgTimeout     = "⏱ That took too long and I gave up. Please try again."
	msgNoRecipe    = "🤷 I couldn't find a recipe in this video."
	msgModelDown   = "🛠 The recipe service is unavailable. Try again later."
	msgCanceled    = "🚫 Request canceled."
	msgInternal    = "💥 Something broke on my side. Please try again later."
)

func welcomeText(freeLimit int) string {
	return fmt.Sprintf(`🔥 *Recipe Bot* — I turn short cooking videos into a clear recipe!

🆓 You have *%d* free videos.

Just send a link to a Reel / TikTok / Shorts and I'll do the rest.`, freeLimit)
}

func quotaText(limit int) string {
	return fmt.Sprintf("🔒 Free limit of %d videos used up.", limit)
}

func tooLongText(maxSeconds int) string {
	if maxSeconds%60 == 0 {
		return fmt.Sprintf("❌ Video is longer than %d minutes", maxSeconds/60)
	}
	return fmt.Sprintf("❌ Video is longer than %d seconds", maxSeconds)
}

func usageText(used, bonus, limit int) string {
	total := limit + bonus
	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("📊 Used %d of %d videos, %d left.", used, total, remaining)
}

// failureText maps a pipeline error to the reply the user sees.
func (b *bot) failureText(err error) string {
	var ne *download.NetworkError
	switch {
	case errors.Is(err, platform.ErrNotAURL):
		return msgSendLink
	case errors.Is(err, platform.ErrUnsupportedPlatform):
		return msgUnsupported
	case errors.Is(err, store.ErrQuotaExceeded):
		return quotaText(b.cfg.FreeLimit)
	case errors.Is(err, download.ErrTooLong):
		return tooLongText(b.cfg.MaxVideoSeconds)
	case errors.Is(err, download.ErrAuthRequired):
		return msgAuthNeeded
	case errors.Is(err, download.ErrNotFound):
		return msgNotFound
	case errors.Is(err, download.ErrUnsupportedFormat):
		return msgBadFormat
	case errors.As(err, &ne):
		return msgNetwork
	case errors.Is(err, recipe.ErrRateLimited):
		return msgModelBusy
	case errors.Is(err, recipe.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	case errors.Is(err, recipe.ErrParseFailure):
		return msgNoRecipe
	case errors.Is(err, recipe.ErrServiceUnavailable):
		return msgModelDown
	case errors.Is(err, context.Canceled):
		return msgCanceled
	default:
		return msgInternal
	}
}
