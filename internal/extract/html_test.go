package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/focused-crawler/internal/crawler"
)

const page = `<!DOCTYPE html>
<html><head><title>t</title></head>
<body>
  <a href="/solar/panels">Solar   panels</a>
  <a href="https://other.example/wind#section">Wind</a>
  <a href="/solar/panels#again">duplicate</a>
  <a href="mailto:someone@example.com">mail</a>
  <a href="javascript:void(0)">js</a>
  <a href="#top">top</a>
  <a href="/ads" rel="nofollow sponsored">ad</a>
  <a href="ftp://files.example/x">ftp</a>
</body></html>`

func TestExtractResolvesAndDeduplicates(t *testing.T) {
	t.Parallel()

	links, err := New(Config{}).Extract("http://a.example/index.html", "text/html; charset=utf-8", []byte(page))
	require.NoError(t, err)
	require.Equal(t, []crawler.OutboundLink{
		{URL: "http://a.example/solar/panels", AnchorText: "Solar panels"},
		{URL: "https://other.example/wind", AnchorText: "Wind"},
		{URL: "http://a.example/ads", AnchorText: "ad"},
	}, links)
}

func TestExtractSkipsNofollowAndCaps(t *testing.T) {
	t.Parallel()

	links, err := New(Config{SkipNofollow: true}).Extract("http://a.example/", "text/html", []byte(page))
	require.NoError(t, err)
	require.Len(t, links, 2)

	links, err = New(Config{MaxLinks: 1}).Extract("http://a.example/", "text/html", []byte(page))
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestExtractHonorsBaseHref(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="http://cdn.example/docs/"></head><body><a href="guide">g</a></body></html>`
	links, err := New(Config{}).Extract("http://a.example/", "", []byte(body))
	require.NoError(t, err)
	require.Equal(t, []crawler.OutboundLink{{URL: "http://cdn.example/docs/guide", AnchorText: "g"}}, links)
}

func TestExtractIgnoresNonHTML(t *testing.T) {
	t.Parallel()

	links, err := New(Config{}).Extract("http://a.example/data.json", "application/json", []byte(`{"a":"<a href='/x'>"}`))
	require.NoError(t, err)
	require.Empty(t, links)
}
