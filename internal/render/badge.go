package render

import (
	"html/template"
	"io"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultTitle   = "👀"
	DefaultTitleBG = "#555555"
	DefaultCountBG = "#79C83D"
	maxTitleRunes  = 32
)

var colorRe = regexp.MustCompile(`^(#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6}|[a-zA-Z]{1,20})$`)

// Badge is the fixed-size counter image: a title cell and a count cell.
type Badge struct {
	Title   string
	TitleBG string
	CountBG string
	Count   string
	// ChartURL is the link target of the HTML variant.
	ChartURL string
}

// NewBadge applies defaults to empty or malformed styling parameters.
func NewBadge(title, titleBG, countBG, count string) Badge {
	// Control characters are not allowed in XML text.
	title = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, title))
	if title == "" {
		title = DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return Badge{
		Title:   title,
		TitleBG: color(titleBG, DefaultTitleBG),
		CountBG: color(countBG, DefaultCountBG),
		Count:   count,
	}
}

func color(v, def string) string {
	v = strings.TrimSpace(v)
	if !colorRe.MatchString(v) {
		return def
	}
	return v
}

var badgeTmpl = template.Must(template.New("svg").Parse(`<svg xmlns="http://www.w3.org/2000/svg" width="120" height="25" role="img" aria-label="{{.Title}}: {{.Count}}">
  <title>{{.Title}}: {{.Count}}</title>
  <rect width="40" height="25" fill="{{.TitleBG}}" />
  <rect x="40" width="80" height="25" fill="{{.CountBG}}" />
  <text x="20" y="17" font-size="12" fill="#FFFFFF" font-family="Arial, sans-serif" text-anchor="middle">{{.Title}}</text>
  <text x="80" y="17" font-size="12" fill="#FFFFFF" font-family="Arial, sans-serif" text-anchor="middle">{{.Count}}</text>
</svg>
{{define "html"}}<a href="{{.ChartURL}}" target="_blank" rel="noopener">{{template "svg" .}}</a>
{{end}}`))

func (b Badge) SVG(w io.Writer) error {
	return badgeTmpl.ExecuteTemplate(w, "svg", b)
}

// HTML wraps the SVG in a link to the chart view.
func (b Badge) HTML(w io.Writer) error {
	return badgeTmpl.ExecuteTemplate(w, "html", b)
}
