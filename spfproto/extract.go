package spfproto

import (
	"strings"

	"golang.org/x/net/html"
)

var jsTypes = map[string]bool{
	"":                       true, // script type defaults to JavaScript
	"text/javascript":        true,
	"application/javascript": true,
	"application/ecmascript": true,
	"text/ecmascript":        true,
	"module":                 true,
}

// Extract scans fragment conservatively for <script>, <style>,
// <link rel=stylesheet> and <link rel=spf-preconnect> elements using a
// tokenizer rather than a full parse, per the design note that
// extraction should match tags only and never reinterpret comments or
// CDATA as markup. It returns the residual HTML with those elements
// removed, plus the ordered extracted element lists.
func Extract(fragment string) Extraction {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var out strings.Builder
	var ext Extraction

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "script":
				consumeScript(z, tok, &out, &ext)
			case "style":
				consumeStyle(z, tok, &out, &ext)
			case "link":
				if lk := asLink(tok); lk != nil {
					ext.Links = append(ext.Links, *lk)
				} else {
					out.WriteString(tok.String())
				}
			default:
				out.WriteString(tok.String())
			}
		default:
			out.WriteString(z.Token().String())
		}
	}
	ext.HTML = out.String()
	return ext
}

func attr(tok html.Token, name string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// consumeScript handles a <script ...> start tag: reads its inline text
// (if any) up to the matching </script>. Script tags whose type is not a
// JavaScript/ECMAScript variant (e.g. text/template) are not extracted —
// they pass through the residual HTML unmodified, reconstructed from the
// tokens just consumed.
func consumeScript(z *html.Tokenizer, startTok html.Token, out *strings.Builder, ext *Extraction) {
	typ, _ := attr(startTok, "type")
	src, hasSrc := attr(startTok, "src")
	name, _ := attr(startTok, "name")
	_, async := attr(startTok, "async")

	var text strings.Builder
	if startTok.Type != html.SelfClosingTagToken {
		for {
			tt := z.Next()
			if tt == html.ErrorToken {
				break
			}
			if tt == html.EndTagToken {
				if z.Token().Data == "script" {
					break
				}
				continue
			}
			if tt == html.TextToken {
				text.WriteString(z.Token().Data)
			}
		}
	}

	if !jsTypes[strings.ToLower(strings.TrimSpace(typ))] {
		out.WriteString(startTok.String())
		out.WriteString(text.String())
		if startTok.Type != html.SelfClosingTagToken {
			out.WriteString("</script>")
		}
		return
	}
	ext.Scripts = append(ext.Scripts, ScriptTag{
		Inline: !hasSrc,
		Text:   text.String(),
		Src:    src,
		Name:   name,
		Async:  async,
	})
}

func consumeStyle(z *html.Tokenizer, startTok html.Token, out *strings.Builder, ext *Extraction) {
	typ, hasType := attr(startTok, "type")
	name, _ := attr(startTok, "name")

	var text strings.Builder
	if startTok.Type != html.SelfClosingTagToken {
		for {
			tt := z.Next()
			if tt == html.ErrorToken {
				break
			}
			if tt == html.EndTagToken {
				if z.Token().Data == "style" {
					break
				}
				continue
			}
			if tt == html.TextToken {
				text.WriteString(z.Token().Data)
			}
		}
	}

	if hasType && strings.ToLower(strings.TrimSpace(typ)) != "text/css" {
		out.WriteString(startTok.String())
		out.WriteString(text.String())
		if startTok.Type != html.SelfClosingTagToken {
			out.WriteString("</style>")
		}
		return
	}
	ext.Styles = append(ext.Styles, StyleTag{Inline: true, Text: text.String(), Name: name})
}

func asLink(tok html.Token) *LinkTag {
	rel, _ := attr(tok, "rel")
	rel = strings.ToLower(strings.TrimSpace(rel))
	if rel != "stylesheet" && rel != "spf-preconnect" {
		return nil
	}
	href, _ := attr(tok, "href")
	name, _ := attr(tok, "name")
	return &LinkTag{Rel: rel, Href: href, Name: name}
}
