package task

import (
	"fmt"
	"strings"

	"github.com/Sternrassler/clipfetch/pkg/resolver"
)

const (
	unsafeChars    = `<>:"/\|?*`
	maxTitleRunes  = 80
	maxDescription = 40
)

// SanitizeTitle replaces characters that are unsafe in file names with '_'
// and caps the result at 80 runes.
func SanitizeTitle(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(unsafeChars, r) {
			return '_'
		}
		return r
	}, s)
	return truncateRunes(s, maxTitleRunes)
}

// Filename derives "{uploader}_{title}_{id}.mp4" from resolved metadata.
func Filename(meta resolver.Metadata) string {
	uploader := meta.Uploader
	if uploader == "" {
		uploader = "unknown"
	}
	id := meta.VideoID
	if id == "" {
		id = "unknown"
	}

	title := "video"
	if desc := truncateRunes(meta.Description, maxDescription); desc != "" {
		title = SanitizeTitle(desc)
	}

	return fmt.Sprintf("%s_%s_%s.mp4", SanitizeTitle(uploader), title, SanitizeTitle(id))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
