package quality

import (
	"fmt"
	"sort"
	"strings"
)

// NormalizeLadder returns a copy of options ordered from highest to lowest bitrate
// together with the index the starting option ended up at.
// Options with equal bitrate keep their relative order.
func NormalizeLadder(options []QualityOption, start int) ([]QualityOption, int, error) {
	if len(options) == 0 {
		return nil, 0, ErrEmptyLadder
	}
	if start < 0 || start >= len(options) {
		return nil, 0, fmt.Errorf("start index %d for %d options: %w", start, len(options), ErrIndexOutOfRange)
	}

	order := make([]int, len(options))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return options[order[a]].Bitrate > options[order[b]].Bitrate
	})

	ladder := make([]QualityOption, len(options))
	newStart := 0
	for pos, orig := range order {
		ladder[pos] = options[orig]
		if orig == start {
			newStart = pos
		}
	}

	return ladder, newStart, nil
}

// IsOrdered reports whether bitrate is non-increasing along the ladder
func IsOrdered(options []QualityOption) bool {
	for i := 1; i < len(options); i++ {
		if options[i].Bitrate > options[i-1].Bitrate {
			return false
		}
	}
	return true
}

// DefaultLadder returns a typical HLS rendition ladder, highest quality first.
// Stream URLs are built as <baseURL>/<name>/index.m3u8 when baseURL is set.
func DefaultLadder(baseURL string) []QualityOption {
	ladder := []QualityOption{
		// 4K (direct play only on capable clients)
		{Name: "2160p", Resolution: Resolution{Width: 3840, Height: 2160}, Bitrate: 16_000_000},

		// 1080p
		{Name: "1080p", Resolution: Resolution{Width: 1920, Height: 1080}, Bitrate: 8_000_000},

		// 720p (universal compatibility)
		{Name: "720p", Resolution: Resolution{Width: 1280, Height: 720}, Bitrate: 4_000_000, RequiresTranscode: true},

		// 480p (fallback for poor networks)
		{Name: "480p", Resolution: Resolution{Width: 854, Height: 480}, Bitrate: 2_000_000, RequiresTranscode: true},

		// Emergency fallback
		{Name: "360p", Resolution: Resolution{Width: 640, Height: 360}, Bitrate: 800_000, RequiresTranscode: true},
	}

	if baseURL != "" {
		base := strings.TrimRight(baseURL, "/")
		for i := range ladder {
			ladder[i].URL = fmt.Sprintf("%s/%s/index.m3u8", base, ladder[i].Name)
		}
	}

	return ladder
}

// IndexOf finds an option by name, returning -1 when absent
func IndexOf(options []QualityOption, name string) int {
	for i := range options {
		if options[i].Name == name {
			return i
		}
	}
	return -1
}
