package format

import (
	"strings"
	"testing"
	"time"

	"chatmigrate/internal/domain"
)

func mdMsg(content string) domain.Message {
	return domain.Message{
		Sender:      "Ada Lovelace",
		CreatedAt:   time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC),
		Content:     content,
		ContentType: domain.ContentTypeMarkdown,
	}
}

func TestRenderHeader(t *testing.T) {
	f, err := New("America/New_York", "en-US")
	if err != nil {
		t.Fatalf("new formatter: %v", err)
	}
	got := f.Render(mdMsg("hello"))
	want := "<b>Ada Lovelace</b><br/><i>Mar 14, 2025 11:09 AM EDT</i><br/><br/>hello"
	if got != want {
		t.Fatalf("render:\n got %q\nwant %q", got, want)
	}
}

func TestRenderEscapesSenderName(t *testing.T) {
	f, err := New("UTC", "en-US")
	if err != nil {
		t.Fatalf("new formatter: %v", err)
	}
	m := mdMsg("hi")
	m.Sender = "Tom & Jerry <dev>"
	got := f.Render(m)
	if !strings.Contains(got, "<b>Tom &amp; Jerry &lt;dev&gt;</b>") {
		t.Fatalf("sender not escaped: %q", got)
	}
}

func TestRenderUnknownLocaleFallsBack(t *testing.T) {
	f, err := New("UTC", "xx-XX")
	if err != nil {
		t.Fatalf("new formatter: %v", err)
	}
	got := f.Render(mdMsg("hi"))
	if !strings.Contains(got, "<i>2025-03-14 15:09 UTC</i>") {
		t.Fatalf("fallback layout not used: %q", got)
	}
}

func TestBodySpans(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "a **big** deal", "a <b>big</b> deal"},
		{"italic star", "a *small* deal", "a <i>small</i> deal"},
		{"italic underscore", "a _small_ deal", "a <i>small</i> deal"},
		{"link", "see [docs](https://example.com/a?b=1)", `see <a href="https://example.com/a?b=1">docs</a>`},
		{"image", "![logo](https://example.com/x.png)", `<img src="https://example.com/x.png" alt="logo"/>`},
		{"newlines", "one\ntwo", "one<br/>two"},
		{"escaping", "1 < 2 && 3 > 2", "1 &lt; 2 &amp;&amp; 3 &gt; 2"},
		{"inline code", "run `go build` now", "run <code>go build</code> now"},
		{"bold inside escape", "**<tag>**", "<b>&lt;tag&gt;</b>"},
	}
	for _, tc := range cases {
		if got := Body(tc.in, domain.ContentTypeMarkdown); got != tc.want {
			t.Fatalf("%s:\n got %q\nwant %q", tc.name, got, tc.want)
		}
	}
}

func TestBodyCodeSpansShieldMarkup(t *testing.T) {
	// Literal markup characters inside code spans must come through verbatim
	// (escaped, not converted).
	got := Body("use `**not bold**` and `a < b`", domain.ContentTypeMarkdown)
	want := "use <code>**not bold**</code> and <code>a &lt; b</code>"
	if got != want {
		t.Fatalf("inline code:\n got %q\nwant %q", got, want)
	}

	got = Body("```\nif a < b { **x** }\n```", domain.ContentTypeMarkdown)
	want = "<pre><code>if a &lt; b { **x** }\n</code></pre>"
	if got != want {
		t.Fatalf("fenced code:\n got %q\nwant %q", got, want)
	}
}

func TestBodyFencedWithLanguageTag(t *testing.T) {
	got := Body("```go\nfmt.Println(1)\n```", domain.ContentTypeMarkdown)
	want := "<pre><code>fmt.Println(1)\n</code></pre>"
	if got != want {
		t.Fatalf("fenced with lang:\n got %q\nwant %q", got, want)
	}
}

func TestBodyPlainTextOnlyEscapes(t *testing.T) {
	got := Body("**not markup** & <raw>\nnext", domain.ContentTypeText)
	want := "**not markup** &amp; &lt;raw&gt;<br/>next"
	if got != want {
		t.Fatalf("plain text:\n got %q\nwant %q", got, want)
	}
}

func TestRenderDeterministic(t *testing.T) {
	f, err := New("Europe/Berlin", "de-DE")
	if err != nil {
		t.Fatalf("new formatter: %v", err)
	}
	m := mdMsg("mixed `code` with **bold** and [l](http://x)\n> tail")
	first := f.Render(m)
	for i := 0; i < 10; i++ {
		if got := f.Render(m); got != first {
			t.Fatalf("render not deterministic on iteration %d", i)
		}
	}
}
