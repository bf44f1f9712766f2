package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

func TestScorePageRanksByKeywordDensity(t *testing.T) {
	t.Parallel()

	o := NewKeyword(Config{Keywords: []string{"Solar", " panel "}})
	ctx := context.Background()

	relevant := crawler.Page{
		URL:         "http://a.example/",
		ContentType: "text/html",
		Content: []byte(`<html><head><title>Solar power</title><script>var solar = 1;</script></head>
			<body><p>Solar panel installers compare every panel.</p></body></html>`),
	}
	marginal := crawler.Page{
		URL:         "http://b.example/",
		ContentType: "text/html",
		Content:     []byte(`<html><body><p>A page that mentions solar once.</p></body></html>`),
	}
	offTopic := crawler.Page{
		URL:         "http://c.example/",
		ContentType: "text/html",
		Content:     []byte(`<html><body><p>Cooking recipes.</p></body></html>`),
	}

	high, err := o.ScorePage(ctx, relevant)
	require.NoError(t, err)
	mid, err := o.ScorePage(ctx, marginal)
	require.NoError(t, err)
	low, err := o.ScorePage(ctx, offTopic)
	require.NoError(t, err)

	require.Greater(t, high, mid)
	require.Greater(t, mid, low)
	require.Zero(t, low)
	require.LessOrEqual(t, high, MaxScore)
}

func TestScorePagePlainText(t *testing.T) {
	t.Parallel()

	o := NewKeyword(Config{Keywords: []string{"wind"}})
	score, err := o.ScorePage(context.Background(), crawler.Page{ContentType: "text/plain", Content: []byte("wind wind wind")})
	require.NoError(t, err)
	require.Greater(t, score, 0.0)
}

func TestScoreLinkUsesAnchorAndURL(t *testing.T) {
	t.Parallel()

	o := NewKeyword(Config{Keywords: []string{"solar", "wind"}})
	ctx := context.Background()

	both, err := o.ScoreLink(ctx, crawler.Page{}, crawler.OutboundLink{URL: "http://a.example/solar-farms", AnchorText: "Wind maps"})
	require.NoError(t, err)
	require.InDelta(t, 1.0, both, 1e-9)

	one, err := o.ScoreLink(ctx, crawler.Page{}, crawler.OutboundLink{URL: "http://a.example/solar_guide"})
	require.NoError(t, err)
	require.InDelta(t, 0.5, one, 1e-9)

	none, err := o.ScoreLink(ctx, crawler.Page{}, crawler.OutboundLink{URL: "http://a.example/about", AnchorText: "About"})
	require.NoError(t, err)
	require.Zero(t, none)
}

func TestNoKeywordsScoresZero(t *testing.T) {
	t.Parallel()

	o := NewKeyword(Config{})
	score, err := o.ScorePage(context.Background(), crawler.Page{Content: []byte("anything")})
	require.NoError(t, err)
	require.Zero(t, score)
}
