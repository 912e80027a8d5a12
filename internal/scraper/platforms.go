package scraper

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"vidsearch/internal/models"
)

const (
	tiktokActorID      = "GdWCkxBtKWOsKjdch" // clockworks~tiktok-scraper
	douyinActorID      = "natanielsantos~douyin-scraper"
	xiaohongshuActorID = "easyapi~rednote-xiaohongshu-search-scraper"
)

var tiktokDateFilter = map[string]string{
	"24h":     "DAY",
	"7days":   "WEEK",
	"30days":  "MONTH",
	"90days":  "THREE_MONTHS",
	"180days": "SIX_MONTHS",
}

// TikTokStrategy maps clockworks tiktok-scraper items.
func TikTokStrategy() Strategy {
	return Strategy{
		Platform: models.PlatformTikTok,
		ActorID:  tiktokActorID,
		BuildInput: func(query string, limit int, dateRange string) map[string]any {
			in := map[string]any{
				"searchQueries":        []string{query},
				"searchSection":        "/video",
				"resultsPerPage":       limit,
				"shouldDownloadCovers": false,
				"shouldDownloadVideos": false,
			}
			if f, ok := tiktokDateFilter[dateRange]; ok {
				in["searchDatePosted"] = f
			}
			return in
		},
		MapItem: func(item map[string]any) (models.VideoResult, bool) {
			id := str(item, "id")
			if id == "" {
				return models.VideoResult{}, false
			}
			v := models.VideoResult{
				ID:            id,
				Title:         str(item, "text"),
				Creator:       firstNonEmpty(str(item, "authorMeta", "name"), str(item, "authorMeta", "nickName")),
				PlayCount:     count(item, "playCount"),
				LikeCount:     count(item, "diggCount"),
				CommentCount:  count(item, "commentCount"),
				ShareCount:    count(item, "shareCount"),
				CreateTime:    epochMillis(num(item, "createTime")),
				VideoDuration: int(num(item, "videoMeta", "duration")),
				Thumbnail:     firstNonEmpty(str(item, "videoMeta", "coverUrl"), str(item, "videoMeta", "originalCoverUrl")),
				VideoURL:      str(item, "videoMeta", "downloadAddr"),
				WebVideoURL:   str(item, "webVideoUrl"),
			}
			for _, h := range list(item, "hashtags") {
				if m, ok := h.(map[string]any); ok {
					v.Hashtags = appendTag(v.Hashtags, str(m, "name"))
				}
			}
			return v, true
		},
	}
}

// DouyinStrategy maps douyin-scraper items, which mirror the aweme API shape.
func DouyinStrategy() Strategy {
	return Strategy{
		Platform: models.PlatformDouyin,
		ActorID:  douyinActorID,
		BuildInput: func(query string, limit int, dateRange string) map[string]any {
			return map[string]any{
				"searchTermsOrHashtags": []string{query},
				"maxItemsPerUrl":        limit,
				"dateRange":             dateRange,
			}
		},
		MapItem: func(item map[string]any) (models.VideoResult, bool) {
			id := firstNonEmpty(str(item, "aweme_id"), str(item, "id"))
			if id == "" {
				return models.VideoResult{}, false
			}
			duration := num(item, "duration")
			if duration > 1000 {
				duration /= 1000 // milliseconds
			}
			v := models.VideoResult{
				ID:            id,
				Title:         firstNonEmpty(str(item, "desc"), str(item, "text")),
				Creator:       firstNonEmpty(str(item, "author", "nickname"), str(item, "authorMeta", "name")),
				PlayCount:     count(item, "statistics", "play_count"),
				LikeCount:     count(item, "statistics", "digg_count"),
				CommentCount:  count(item, "statistics", "comment_count"),
				ShareCount:    count(item, "statistics", "share_count"),
				CreateTime:    epochMillis(num(item, "create_time")),
				VideoDuration: int(duration),
				Thumbnail:     firstURL(item, "video", "cover", "url_list"),
				VideoURL:      firstURL(item, "video", "play_addr", "url_list"),
				WebVideoURL:   firstNonEmpty(str(item, "share_url"), "https://www.douyin.com/video/"+id),
			}
			for _, h := range list(item, "text_extra") {
				if m, ok := h.(map[string]any); ok {
					v.Hashtags = appendTag(v.Hashtags, str(m, "hashtag_name"))
				}
			}
			return v, true
		},
	}
}

// XiaohongshuStrategy maps rednote search items. Counters arrive as display
// strings such as "1.2万".
func XiaohongshuStrategy() Strategy {
	return Strategy{
		Platform: models.PlatformXiaohongshu,
		ActorID:  xiaohongshuActorID,
		BuildInput: func(query string, limit int, _ string) map[string]any {
			return map[string]any{
				"keywords": []string{query},
				"maxItems": limit,
				"noteType": "video",
				"sortType": "general",
			}
		},
		MapItem: func(item map[string]any) (models.VideoResult, bool) {
			id := firstNonEmpty(str(item, "note_id"), str(item, "id"))
			if id == "" {
				return models.VideoResult{}, false
			}
			v := models.VideoResult{
				ID:            id,
				Title:         firstNonEmpty(str(item, "title"), str(item, "desc")),
				Creator:       firstNonEmpty(str(item, "user", "nickname"), str(item, "user", "nick_name")),
				LikeCount:     count(item, "interact_info", "liked_count"),
				CommentCount:  count(item, "interact_info", "comment_count"),
				ShareCount:    count(item, "interact_info", "share_count"),
				CreateTime:    epochMillis(num(item, "time")),
				VideoDuration: int(num(item, "video", "duration")),
				Thumbnail:     firstNonEmpty(str(item, "cover", "url_default"), str(item, "cover", "url")),
				VideoURL:      str(item, "video", "url"),
				WebVideoURL:   firstNonEmpty(str(item, "url"), "https://www.xiaohongshu.com/explore/"+id),
			}
			for _, h := range list(item, "tag_list") {
				if m, ok := h.(map[string]any); ok {
					v.Hashtags = appendTag(v.Hashtags, str(m, "name"))
				}
			}
			return v, true
		},
	}
}

func lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func str(m map[string]any, path ...string) string {
	v, ok := lookup(m, path...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func num(m map[string]any, path ...string) float64 {
	v, ok := lookup(m, path...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		return parseDisplayCount(t)
	}
	return 0
}

func count(m map[string]any, path ...string) int64 {
	n := num(m, path...)
	if n < 0 || math.IsNaN(n) {
		return 0
	}
	return int64(n)
}

// parseDisplayCount understands "1234", "1.2k", "3.4w" and "5.6万".
func parseDisplayCount(s string) float64 {
	s = strings.TrimSpace(strings.ToLower(strings.ReplaceAll(s, ",", "")))
	s = strings.TrimSuffix(s, "+")
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "万"):
		mult, s = 10000, strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "w"):
		mult, s = 10000, strings.TrimSuffix(s, "w")
	case strings.HasSuffix(s, "k"):
		mult, s = 1000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "m")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return math.Round(f * mult)
}

// epochMillis accepts seconds or milliseconds.
func epochMillis(v float64) int64 {
	if v <= 0 {
		return 0
	}
	if v < 1e12 {
		return int64(v * 1000)
	}
	return int64(v)
}

func list(m map[string]any, path ...string) []any {
	v, ok := lookup(m, path...)
	if !ok {
		return nil
	}
	l, _ := v.([]any)
	return l
}

func firstURL(m map[string]any, path ...string) string {
	for _, u := range list(m, path...) {
		if s, ok := u.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func appendTag(tags []string, tag string) []string {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
	if tag == "" {
		return tags
	}
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
