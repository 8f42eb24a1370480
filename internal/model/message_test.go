package model

import (
	"strings"
	"testing"
	"time"
)

func TestStatusAdvances(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{Pending, Sent, true},
		{Sent, Delivered, true},
		{Delivered, Read, true},
		{Sent, Read, true},
		{Read, Delivered, false},
		{Delivered, Sent, false},
		{Delivered, Delivered, false},
		{Pending, Failed, true},
		{Delivered, Failed, true},
		{Read, Failed, false},
		{Failed, Sent, false},
		{Sent, Status("bogus"), false},
	}

	for _, tc := range cases {
		if got := tc.from.Advances(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestContentCheck(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		wantOK  bool
	}{
		{"text ok", Content{Type: ContentText, Text: "hi"}, true},
		{"text blank", Content{Type: ContentText, Text: "  "}, false},
		{"media missing url", Content{Type: ContentMedia}, false},
		{"template ok", Content{Type: ContentTemplate, TemplateName: "welcome"}, true},
		{"location out of range", Content{Type: ContentLocation, Latitude: 91}, false},
		{"contact ok", Content{Type: ContentContact, ContactName: "Ann", ContactPhone: "+36"}, true},
		{"unknown type", Content{Type: "sticker"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.content.Check() == ""
			if got != tc.wantOK {
				t.Fatalf("expected ok=%v, got problem %q", tc.wantOK, tc.content.Check())
			}
		})
	}
}

func TestContentPreview_Truncates(t *testing.T) {
	c := Content{Type: ContentText, Text: strings.Repeat("é", 200)}
	if n := len([]rune(c.Preview())); n != previewMax {
		t.Fatalf("expected preview of %d runes, got %d", previewMax, n)
	}

	media := Content{Type: ContentMedia, MediaURL: "https://x/y.png"}
	if media.Preview() != "[media]" {
		t.Fatalf("unexpected media preview %q", media.Preview())
	}
}

func TestBucketTruncate(t *testing.T) {
	ts := time.Date(2026, 10, 15, 13, 45, 0, 0, time.UTC) // Thursday

	if got := BucketDay.Truncate(ts); !got.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day bucket: got %v", got)
	}
	if got := BucketWeek.Truncate(ts); !got.Equal(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("week bucket should start Monday, got %v", got)
	}
	if got := BucketMonth.Truncate(ts); !got.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("month bucket: got %v", got)
	}
}

func TestTemplateRender(t *testing.T) {
	tmpl := Template{Body: "Hi {{1}}, your code is {{2}}. {{3}}"}

	got := tmpl.Render([]string{"Ana", "1234"})
	if got != "Hi Ana, your code is 1234. {{3}}" {
		t.Fatalf("unexpected render %q", got)
	}
	if tmpl.Render(nil) != tmpl.Body {
		t.Fatalf("expected body unchanged without params")
	}
}
