package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vidsearch/internal/models"
)

type stubRunner struct {
	items   []map[string]any
	err     error
	actorID string
	input   map[string]any
}

func (s *stubRunner) RunActor(_ context.Context, actorID string, input map[string]any) ([]map[string]any, error) {
	s.actorID = actorID
	s.input = input
	return s.items, s.err
}

func TestTikTokMapping(t *testing.T) {
	now := time.Now()
	runner := &stubRunner{items: []map[string]any{{
		"id":           "7300",
		"text":         "dance challenge",
		"authorMeta":   map[string]any{"name": "dancer"},
		"playCount":    float64(1500),
		"diggCount":    float64(200),
		"commentCount": float64(12),
		"shareCount":   float64(3),
		"createTime":   float64(now.Add(-time.Hour).Unix()),
		"videoMeta":    map[string]any{"duration": float64(15), "coverUrl": "https://cdn/c.jpg", "downloadAddr": "https://cdn/v.mp4"},
		"webVideoUrl":  "https://www.tiktok.com/@dancer/video/7300",
		"hashtags":     []any{map[string]any{"name": "dance"}, map[string]any{"name": "#dance"}, map[string]any{"name": "fyp"}},
	}}}
	a := NewActorAdapter(runner, TikTokStrategy())

	got, err := a.FetchVideos(context.Background(), "dance", 10, "7days")
	require.NoError(t, err)
	require.Len(t, got, 1)
	v := got[0]
	require.Equal(t, models.PlatformTikTok, v.Platform)
	require.Equal(t, "dancer", v.Creator)
	require.EqualValues(t, 1500, v.PlayCount)
	require.EqualValues(t, 200, v.LikeCount)
	require.Equal(t, now.Add(-time.Hour).Unix()*1000, v.CreateTime)
	require.Equal(t, 15, v.VideoDuration)
	require.Equal(t, []string{"dance", "fyp"}, v.Hashtags)
	require.Equal(t, "https://cdn/c.jpg", v.Thumbnail)

	require.Equal(t, tiktokActorID, runner.actorID)
	require.Equal(t, "WEEK", runner.input["searchDatePosted"])
	require.Equal(t, 10, runner.input["resultsPerPage"])
}

func TestDouyinMapping(t *testing.T) {
	runner := &stubRunner{items: []map[string]any{{
		"aweme_id":    "dy1",
		"desc":        "猫",
		"author":      map[string]any{"nickname": "cat lover"},
		"statistics":  map[string]any{"play_count": float64(10), "digg_count": float64(5), "comment_count": float64(2), "share_count": float64(1)},
		"create_time": float64(1_700_000_000),
		"duration":    float64(12_000),
		"video": map[string]any{
			"cover":     map[string]any{"url_list": []any{"https://cdn/cover.jpg"}},
			"play_addr": map[string]any{"url_list": []any{"", "https://cdn/play.mp4"}},
		},
	}}}
	a := NewActorAdapter(runner, DouyinStrategy())

	got, err := a.FetchVideos(context.Background(), "猫", 5, "all")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "cat lover", got[0].Creator)
	require.Equal(t, 12, got[0].VideoDuration)
	require.Equal(t, int64(1_700_000_000_000), got[0].CreateTime)
	require.Equal(t, "https://cdn/cover.jpg", got[0].Thumbnail)
	require.Equal(t, "https://cdn/play.mp4", got[0].VideoURL)
	require.Equal(t, "https://www.douyin.com/video/dy1", got[0].WebVideoURL)
}

func TestXiaohongshuMapping(t *testing.T) {
	runner := &stubRunner{items: []map[string]any{{
		"note_id":       "n1",
		"title":         "travel vlog",
		"user":          map[string]any{"nickname": "wanderer"},
		"interact_info": map[string]any{"liked_count": "1.2万", "comment_count": "340", "share_count": "2.5w"},
		"time":          float64(1_700_000_000_123),
	}}}
	a := NewActorAdapter(runner, XiaohongshuStrategy())

	got, err := a.FetchVideos(context.Background(), "travel", 5, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, 12000, got[0].LikeCount)
	require.EqualValues(t, 340, got[0].CommentCount)
	require.EqualValues(t, 25000, got[0].ShareCount)
	require.Equal(t, int64(1_700_000_000_123), got[0].CreateTime)
	require.Equal(t, "https://www.xiaohongshu.com/explore/n1", got[0].WebVideoURL)
}

func TestFetchVideosFiltersByWindowAndLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	item := func(id string, age time.Duration) map[string]any {
		return map[string]any{"id": id, "createTime": float64(now.Add(-age).Unix())}
	}
	runner := &stubRunner{items: []map[string]any{
		item("fresh1", time.Hour),
		item("old", 48*time.Hour),
		{"text": "no id"},
		item("fresh2", 2*time.Hour),
		item("fresh3", 3*time.Hour),
	}}
	a := NewActorAdapter(runner, TikTokStrategy())
	a.now = func() time.Time { return now }

	got, err := a.FetchVideos(context.Background(), "q", 2, "24h")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "fresh1", got[0].ID)
	require.Equal(t, "fresh2", got[1].ID)
}

func TestFetchVideosRejectsUnknownRange(t *testing.T) {
	a := NewActorAdapter(&stubRunner{}, TikTokStrategy())
	_, err := a.FetchVideos(context.Background(), "q", 2, "decade")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestFetchVideosWrapsRunnerError(t *testing.T) {
	a := NewActorAdapter(&stubRunner{err: models.ErrProviderRateLimited}, DouyinStrategy())
	_, err := a.FetchVideos(context.Background(), "q", 2, "all")
	require.True(t, errors.Is(err, models.ErrProviderRateLimited))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(&stubRunner{})
	require.Equal(t, []string{"douyin", "tiktok", "xiaohongshu"}, r.Platforms())
	a, err := r.Get("douyin")
	require.NoError(t, err)
	require.Equal(t, "douyin", a.Platform())
	_, err = r.Get("youtube")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestParseDisplayCount(t *testing.T) {
	cases := map[string]float64{
		"1234":  1234,
		"1,234": 1234,
		"1.2k":  1200,
		"3.4w":  34000,
		"5.6万":  56000,
		"10万+": 100000,
		"bogus": 0,
	}
	for in, want := range cases {
		require.Equal(t, want, parseDisplayCount(in), in)
	}
}
