package rewrite

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// SourceMap is a version 3 source map.
type SourceMap struct {
	Version        int      `json:"version"`
	File           string   `json:"file,omitempty"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent,omitempty"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// String returns the JSON encoding of the map.
func (m *SourceMap) String() string {
	data, _ := json.Marshal(m)
	return string(data)
}

// DataURL returns the map as a base64 data URL.
func (m *SourceMap) DataURL() string {
	return "data:application/json;charset=utf-8;base64," + base64.StdEncoding.EncodeToString([]byte(m.String()))
}

// Comment returns a sourceMappingURL comment embedding the map.
func (m *SourceMap) Comment() string {
	return "//# sourceMappingURL=" + m.DataURL()
}

// position is a line and UTF-16 column, both zero based.
type position struct {
	line, col int
}

func (p *position) advance(r rune) {
	switch {
	case r == '\n':
		p.line++
		p.col = 0
	case r >= 0x10000:
		p.col += 2
	default:
		p.col++
	}
}

type mapping struct {
	gen, src position
}

// Map returns a source map from the edited text to the original. Unedited
// text is mapped at every line start and word boundary; each replacement maps
// to the start of the range it replaced.
func (b *Buffer) Map(source string) *SourceMap {
	var (
		gen, src position
		out      []mapping
	)
	add := func(g, s position) {
		if n := len(out); n > 0 && out[n-1].gen == g {
			return
		}
		out = append(out, mapping{gen: g, src: s})
	}
	b.chunks(func(c chunk) {
		if c.edited {
			if c.text != "" {
				add(gen, src)
			}
			for _, r := range c.text {
				gen.advance(r)
			}
			for _, r := range string(b.src[c.start:c.end]) {
				src.advance(r)
			}
			return
		}
		text := b.src[c.start:c.end]
		prev := rune(-1)
		for i := 0; i < len(text); {
			r, size := utf8.DecodeRune(text[i:])
			if r != '\n' && (prev == -1 || prev == '\n' || isWord(prev) != isWord(r)) {
				add(gen, src)
			}
			gen.advance(r)
			src.advance(r)
			prev = r
			i += size
		}
	})
	return &SourceMap{
		Version:        3,
		Sources:        []string{source},
		SourcesContent: []string{string(b.src)},
		Names:          []string{},
		Mappings:       encodeMappings(out),
	}
}

func isWord(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

func encodeMappings(ms []mapping) string {
	var (
		sb                   strings.Builder
		line, prevCol        int
		prevSrcLine, prevSrc int
	)
	first := true
	for _, m := range ms {
		for line < m.gen.line {
			sb.WriteByte(';')
			line++
			prevCol = 0
			first = true
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		writeVLQ(&sb, m.gen.col-prevCol)
		writeVLQ(&sb, 0)
		writeVLQ(&sb, m.src.line-prevSrcLine)
		writeVLQ(&sb, m.src.col-prevSrc)
		prevCol = m.gen.col
		prevSrcLine = m.src.line
		prevSrc = m.src.col
	}
	return sb.String()
}

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func writeVLQ(sb *strings.Builder, v int) {
	u := v << 1
	if v < 0 {
		u = (-v << 1) | 1
	}
	for {
		digit := u & 0x1f
		u >>= 5
		if u > 0 {
			digit |= 0x20
		}
		sb.WriteByte(base64Digits[digit])
		if u == 0 {
			return
		}
	}
}
