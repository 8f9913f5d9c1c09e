package rewrite

import (
	"testing"
)

func dests(refs []Reference) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Dest
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			"inline images",
			"# Trip\n\n![cat](./img/cat.png) and ![dog](dog.jpg \"Dog\")\n",
			[]string{"./img/cat.png", "dog.jpg"},
		},
		{
			"angle brackets",
			"![a](<photos/a.png>)\n",
			[]string{"photos/a.png"},
		},
		{
			"code span ignored",
			"Use `![x](x.png)` to embed.\n",
			nil,
		},
		{
			"fenced code ignored",
			"```md\n![x](x.png)\n```\n\n![y](y.png)\n",
			[]string{"y.png"},
		},
		{
			"same file in code and prose",
			"`![x](x.png)`\n\n![x](x.png)\n",
			[]string{"x.png"},
		},
		{
			"html block",
			"<div>\n<img src=\"banner.webp\" alt=\"b\">\n</div>\n",
			[]string{"banner.webp"},
		},
		{
			"inline html",
			"Look: <img src='inline.gif'> here\n",
			[]string{"inline.gif"},
		},
		{
			"reference definition",
			"![logo][l]\n\n[l]: assets/logo.svg\n",
			[]string{"assets/logo.svg"},
		},
		{
			"repeated image",
			"![a](a.png)\n\n![again](a.png)\n",
			[]string{"a.png", "a.png"},
		},
		{
			"plain link sharing an image destination",
			"[download](cat.png) ![cat](cat.png)\n",
			[]string{"cat.png"},
		},
		{
			"definition used only by a link",
			"[see][l] ![logo][img]\n\n[l]: assets/logo.svg\n[img]: assets/logo.svg\n",
			[]string{"assets/logo.svg"},
		},
		{
			"escaped destination",
			"![a](foo\\_bar.png)\n",
			[]string{"foo_bar.png"},
		},
		{
			"empty alt text",
			"![](bare.png)\n",
			[]string{"bare.png"},
		},
		{
			"no images",
			"plain [link](page.html)\n",
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dests(Extract(tt.doc))
			if !equal(got, tt.want) {
				t.Errorf("Extract = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractOffsets(t *testing.T) {
	doc := "intro ![c](cat.png) <img src=\"dog.png\">\n"
	for _, ref := range Extract(doc) {
		if doc[ref.Offset:ref.Offset+ref.Length] != ref.Dest {
			t.Errorf("offset %d does not point at %q", ref.Offset, ref.Dest)
		}
	}
}

func TestApply(t *testing.T) {
	doc := "# Notes\n\n" +
		"![cat](./img/cat.png)\n\n" +
		"`![cat](./img/cat.png)` stays literal.\n\n" +
		"<img src=\"./img/cat.png\" width=\"50\">\n\n" +
		"![missing](./img/missing.png)\n"
	repl := map[string]string{
		"./img/cat.png": "notes/cat_standard_640x480.webp",
	}
	want := "# Notes\n\n" +
		"![cat](notes/cat_standard_640x480.webp)\n\n" +
		"`![cat](./img/cat.png)` stays literal.\n\n" +
		"<img src=\"notes/cat_standard_640x480.webp\" width=\"50\">\n\n" +
		"![missing](./img/missing.png)\n"

	if got := Apply(doc, repl); got != want {
		t.Errorf("Apply =\n%s\nwant\n%s", got, want)
	}
}

func TestApplyNoMatchesIsIdentity(t *testing.T) {
	doc := "  odd   spacing\r\n![x](x.png)  \n"
	if got := Apply(doc, map[string]string{"y.png": "z"}); got != doc {
		t.Errorf("Apply changed an unmatched document: %q", got)
	}
	if got := Apply(doc, nil); got != doc {
		t.Errorf("Apply with no replacements changed the document: %q", got)
	}
}

func TestApplyLeavesPlainLinks(t *testing.T) {
	doc := "[download](cat.png) and ![cat](cat.png)\n"
	want := "[download](cat.png) and ![cat](cdn/cat.webp)\n"
	if got := Apply(doc, map[string]string{"cat.png": "cdn/cat.webp"}); got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
}

func TestApplyEscapedDestination(t *testing.T) {
	doc := "![a](foo\\_bar.png \"Title\")\n"
	want := "![a](cdn/foo_bar.webp \"Title\")\n"
	if got := Apply(doc, map[string]string{"foo_bar.png": "cdn/foo_bar.webp"}); got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
}
