package recipe

import (
	"fmt"
	"strings"
)

// Telegram rejects messages over 4096 chars; stay under with margin.
const maxMessageRunes = 4000

// FormatMessage renders the recipe as the Telegram markdown reply: bold
// title, bulleted ingredients, numbered steps, optional notes, and the
// source link.
func FormatMessage(r *Recipe, originalURL string) string {
	title := r.Title
	if title == "" {
		title = "Recipe"
	}
	lines := []string{"*🍳 " + title + "*", ""}

	if len(r.Ingredients) > 0 {
		lines = append(lines, "🛒 *Ingredients*")
		for _, ing := range r.Ingredients {
			lines = append(lines, "• "+ing)
		}
	}
	if len(r.Steps) > 0 {
		if len(r.Ingredients) > 0 {
			lines = append(lines, "", "⸻", "")
		}
		lines = append(lines, "👩‍🍳 *Steps*")
		for i, step := range r.Steps {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
		}
	}
	if r.Extra != "" {
		lines = append(lines, "", "⸻", "", "💡 *Notes*", r.Extra)
	}
	if originalURL != "" {
		lines = append(lines, "", "⸻", "", "🔗 [Original]("+originalURL+")")
	}

	msg := strings.Join(lines, "\n")
	if runes := []rune(msg); len(runes) > maxMessageRunes {
		msg = string(runes[:maxMessageRunes])
	}
	return msg
}
