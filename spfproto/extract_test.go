package spfproto

import "testing"

func TestExtractScriptAndStyle(t *testing.T) {
	frag := `<p>hi</p><script name="a">console.log(1)</script><style name="b">.x{color:red}</style><link rel="stylesheet" href="/s.css" name="c">`
	ext := Extract(frag)

	if len(ext.Scripts) != 1 || ext.Scripts[0].Name != "a" {
		t.Fatalf("Scripts = %+v", ext.Scripts)
	}
	if len(ext.Styles) != 1 || ext.Styles[0].Name != "b" {
		t.Fatalf("Styles = %+v", ext.Styles)
	}
	if len(ext.Links) != 1 || ext.Links[0].Href != "/s.css" {
		t.Fatalf("Links = %+v", ext.Links)
	}
	if ext.HTML != "<p>hi</p>" {
		t.Fatalf("HTML = %q, want residual with extracted elements removed", ext.HTML)
	}
}

func TestExtractPreconnect(t *testing.T) {
	ext := Extract(`<link rel="spf-preconnect" href="https://cdn.example.com">`)
	if len(ext.Links) != 1 || ext.Links[0].Rel != "spf-preconnect" {
		t.Fatalf("Links = %+v", ext.Links)
	}
}

func TestExtractNonSPFLinkPassesThrough(t *testing.T) {
	frag := `<link rel="icon" href="/favicon.ico"><link rel="canonical" href="/a"><p>hi</p>`
	ext := Extract(frag)
	if len(ext.Links) != 0 {
		t.Fatalf("icon/canonical links should not be extracted: %+v", ext.Links)
	}
	if ext.HTML != `<link rel="icon" href="/favicon.ico"><link rel="canonical" href="/a"><p>hi</p>` {
		t.Fatalf("HTML = %q, want non-SPF links preserved in residual HTML", ext.HTML)
	}
}

func TestExtractNonJSScriptPassesThrough(t *testing.T) {
	frag := `<script type="text/template" id="tpl">{{x}}</script>`
	ext := Extract(frag)
	if len(ext.Scripts) != 0 {
		t.Fatalf("non-JS script should not be extracted: %+v", ext.Scripts)
	}
	if ext.HTML == "" {
		t.Fatalf("non-JS script should remain in residual HTML")
	}
}
