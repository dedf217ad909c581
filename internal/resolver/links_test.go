package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFirstURL(t *testing.T) {
	text := "84 看看这篇笔记 http://xhslink.com/a/AbCdEf12，复制本条信息打开"

	u, ok := ExtractFirstURL(text)
	assert.True(t, ok)
	assert.Equal(t, "http://xhslink.com/a/AbCdEf12", u)

	_, ok = ExtractFirstURL("no links here")
	assert.False(t, ok)
}

func TestIsPlatformLink(t *testing.T) {
	assert.True(t, IsPlatformLink("https://www.xiaohongshu.com/explore/abc"))
	assert.True(t, IsPlatformLink("http://xhslink.com/o/abc"))
	assert.False(t, IsPlatformLink("https://example.com/explore/abc"))
}

func TestExtractPostID(t *testing.T) {
	tests := []struct {
		name string
		link string
		want string
		ok   bool
	}{
		{"explore", "https://www.xiaohongshu.com/explore/64f1a2b3000000001f00abcd", "64f1a2b3000000001f00abcd", true},
		{"explore with query", "https://www.xiaohongshu.com/explore/64f1a2b3?xsec_token=abc", "64f1a2b3", true},
		{"discovery item", "https://www.xiaohongshu.com/discovery/item/65aa11bb/", "65aa11bb", true},
		{"user profile", "https://www.xiaohongshu.com/user/profile/5f1e2d3c/66cc22dd?x=1", "66cc22dd", true},
		{"short link", "http://xhslink.com/a/AbCdEf12", "AbCdEf12", true},
		{"short link o", "https://xhslink.com/o/9xYz?foo=bar", "9xYz", true},
		{"short link trailing o", "https://xhslink.com/9xYz/o", "9xYz", true},
		{"short link bare", "https://xhslink.com/", "", false},
		{"unrelated", "https://example.com/post/1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPostID(tt.link)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsVideoURL(t *testing.T) {
	assert.True(t, IsVideoURL("https://sns-video-bd.xhscdn.com/pre_post/abc"))
	assert.True(t, IsVideoURL("https://cdn/x.mp4"))
	assert.True(t, IsVideoURL("https://cdn/spectrum/abc"))
	assert.False(t, IsVideoURL("https://sns-webpic-qc.xhscdn.com/2024/abc/token!nd_dft"))
}

func TestTransformCDNURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"resized image",
			"http://sns-webpic-qc.xhscdn.com/202404121854/a7e6fa93538d17fa5da39ed6195557d7/1040g008312abc!nd_dft_wlteh_webp_3",
			"https://ci.xiaohongshu.com/1040g008312abc",
		},
		{
			"nested token with query",
			"https://sns-webpic-qc.xhscdn.com/202404121854/hash/spectrum/1040g0k0abc?imageView2/2",
			"https://ci.xiaohongshu.com/spectrum/1040g0k0abc",
		},
		{
			"video untouched",
			"https://sns-video-bd.xhscdn.com/stream/110/abc.mp4",
			"https://sns-video-bd.xhscdn.com/stream/110/abc.mp4",
		},
		{
			"short path untouched",
			"https://sns-img.xhscdn.com/abc",
			"https://sns-img.xhscdn.com/abc",
		},
		{
			"other host untouched",
			"https://example.com/a/b/c/d/e",
			"https://example.com/a/b/c/d/e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TransformCDNURL(tt.in))
		})
	}
}
