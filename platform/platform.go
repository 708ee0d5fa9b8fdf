// Package platform classifies short-video URLs into the supported source sites.
package platform

import (
	"errors"
	"net/url"
	"strings"
)

// Platform identifies a supported short-video source site.
type Platform string

const (
	Instagram Platform = "instagram"
	TikTok    Platform = "tiktok"
	YouTube   Platform = "youtube"
)

// Classification failures form a closed set: anything that is not one of
// these two conditions is a real error and must not be mapped onto them.
var (
	ErrNotAURL             = errors.New("not a url")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Classify maps a raw chat string to the platform hosting the video.
// It trims surrounding whitespace and tolerates a missing scheme; matching
// is by host and path only, so tracking parameters are ignored. Pure
// function, no I/O.
func Classify(raw string) (Platform, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrNotAURL
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", ErrNotAURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", ErrNotAURL
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := u.EscapedPath()

	switch {
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		if firstSegmentIn(path, "reel", "reels", "p", "tv") {
			return Instagram, nil
		}
	case host == "vm.tiktok.com" || host == "vt.tiktok.com":
		// Short links carry an opaque code as the whole path.
		if strings.Trim(path, "/") != "" {
			return TikTok, nil
		}
	case host == "tiktok.com" || strings.HasSuffix(host, ".tiktok.com"):
		if strings.Contains(path, "/video/") || strings.HasPrefix(path, "/@") || strings.HasPrefix(path, "/t/") {
			return TikTok, nil
		}
	case host == "youtu.be":
		if strings.Trim(path, "/") != "" {
			return YouTube, nil
		}
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		if strings.HasPrefix(path, "/shorts/") && strings.Trim(path[len("/shorts/"):], "/") != "" {
			return YouTube, nil
		}
		if path == "/watch" && u.Query().Get("v") != "" {
			return YouTube, nil
		}
	}
	return "", ErrUnsupportedPlatform
}

func firstSegmentIn(path string, names ...string) bool {
	seg := strings.Trim(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	for _, n := range names {
		if seg == n {
			return true
		}
	}
	return false
}
