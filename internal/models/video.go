package models

// VideoResult is the canonical record every platform adapter produces.
type VideoResult struct {
	ID            string   `json:"id"`
	Platform      string   `json:"platform"`
	Title         string   `json:"title"`
	Creator       string   `json:"creator"`
	PlayCount     int64    `json:"playCount"`
	LikeCount     int64    `json:"likeCount"`
	CommentCount  int64    `json:"commentCount"`
	ShareCount    int64    `json:"shareCount"`
	CreateTime    int64    `json:"createTime"`
	VideoDuration int      `json:"videoDuration"`
	Hashtags      []string `json:"hashtags,omitempty"`
	Thumbnail     string   `json:"thumbnail,omitempty"`
	VideoURL      string   `json:"videoUrl,omitempty"`
	WebVideoURL   string   `json:"webVideoUrl,omitempty"`
}

// DedupeByID keeps the first occurrence of every video id, preserving order.
// Records without an id are dropped.
func DedupeByID(videos []VideoResult) []VideoResult {
	seen := make(map[string]struct{}, len(videos))
	out := make([]VideoResult, 0, len(videos))
	for _, v := range videos {
		if v.ID == "" {
			continue
		}
		if _, dup := seen[v.ID]; dup {
			continue
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	return out
}
