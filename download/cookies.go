package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mognev/recipebot/platform"
	"github.com/mognev/recipebot/store"
)

// cookieEnvVar names the env fallback holding a platform's Netscape cookie
// payload.
func cookieEnvVar(p platform.Platform) string {
	switch p {
	case platform.Instagram:
		return "IG_COOKIES_CONTENT"
	case platform.TikTok:
		return "TT_COOKIES_CONTENT"
	case platform.YouTube:
		return "YT_COOKIES_CONTENT"
	}
	return ""
}

// resolveCookies returns the cookie payload for a platform, preferring the
// store (updatable at runtime) over the env. Empty means fetch without
// cookies.
func resolveCookies(ctx context.Context, st store.Store, p platform.Platform) string {
	if st != nil {
		v, err := st.GetCredential(ctx, string(p))
		if err == nil && v != "" {
			return v
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("credential lookup failed", slog.String("platform", string(p)), slog.Any("err", err))
		}
	}
	if name := cookieEnvVar(p); name != "" {
		return os.Getenv(name)
	}
	return ""
}

// writeCookieFile materializes the payload inside the scope for yt-dlp's
// --cookies flag. yt-dlp refuses files without the Netscape header, and
// payloads pasted from browser exports often lack it.
func writeCookieFile(scope *Scope, payload string) (string, error) {
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	if !strings.HasPrefix(payload, "# Netscape HTTP Cookie File") && !strings.HasPrefix(payload, "# HTTP Cookie File") {
		payload = "# Netscape HTTP Cookie File\n" + payload
	}
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	path := scope.Path("cookies.txt")
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		return "", fmt.Errorf("write cookie file: %w", err)
	}
	return path, nil
}
