// Package render turns a notebook into a standalone HTML page.
package render

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html"
	"html/template"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/starford/nbfolio/internal/charts"
	"github.com/starford/nbfolio/internal/notebook"
	"github.com/starford/nbfolio/internal/parser"
)

//go:embed templates/notebook.html.tmpl
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/notebook.html.tmpl"))

// Options controls page rendering.
type Options struct {
	// Style is a chroma style name.
	Style string
	// Language is used for code cells when the notebook names no kernel language.
	Language string
	// ChartBaseURL prefixes exported chart file names in chart links.
	ChartBaseURL string
}

// DefaultChartBaseURL matches the path the preview server serves charts under.
const DefaultChartBaseURL = "/charts/"

// DefaultOptions returns the options used by the render command.
func DefaultOptions() Options {
	return Options{Style: "github", Language: "python", ChartBaseURL: DefaultChartBaseURL}
}

// Renderer renders notebooks. It is safe for sequential reuse.
type Renderer struct {
	opts      Options
	md        goldmark.Markdown
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

// New creates a Renderer.
func New(opts Options) *Renderer {
	if opts.Style == "" {
		opts.Style = DefaultOptions().Style
	}
	if opts.ChartBaseURL == "" {
		opts.ChartBaseURL = DefaultChartBaseURL
	}
	if !strings.HasSuffix(opts.ChartBaseURL, "/") {
		opts.ChartBaseURL += "/"
	}
	style := styles.Get(opts.Style)
	if style == nil {
		style = styles.Fallback
	}
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle(opts.Style),
				highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
			),
		),
		// Notebook markdown is authored by the site owner and routinely embeds HTML.
		goldmark.WithRendererOptions(goldmarkhtml.WithUnsafe()),
	)
	return &Renderer{
		opts:      opts,
		md:        md,
		style:     style,
		formatter: chromahtml.New(chromahtml.WithClasses(true)),
	}
}

type pageData struct {
	Title       string
	Description string
	Keywords    string
	CSS         template.CSS
	Cells       []cellView
}

type cellView struct {
	Type    string
	Source  template.HTML
	Outputs []outputView
}

type outputView struct {
	Type string
	HTML template.HTML
}

// ChartLinkMIME carries the link that replaces an exported chart output.
const ChartLinkMIME = "application/vnd.nbfolio.chart-link+json"

// LinkCharts replaces the output of every chart in pages with a small
// ChartLinkMIME bundle pointing at the chart's page. It must run before the
// notebook is stripped, while output positions still match the charts.
func (r *Renderer) LinkCharts(nb *notebook.Notebook, pages []*charts.Page) {
	for _, pg := range pages {
		c := pg.Chart
		if c.Cell < 0 || c.Cell >= len(nb.Cells) {
			continue
		}
		outs := nb.Cells[c.Cell].Outputs()
		if c.Output < 0 || c.Output >= len(outs) {
			continue
		}
		o := outs[c.Output]
		o["data"] = map[string]any{ChartLinkMIME: map[string]any{
			"href":  r.opts.ChartBaseURL + pg.Name,
			"title": pg.Title,
		}}
		o["metadata"] = map[string]any{}
	}
}

// Render writes the HTML page for nb to w.
func (r *Renderer) Render(nb *notebook.Notebook, w io.Writer) error {
	meta := parser.Parse(nb)

	var css bytes.Buffer
	if err := r.formatter.WriteCSS(&css, r.style); err != nil {
		return fmt.Errorf("render: css: %w", err)
	}

	lang := nb.Language()
	if lang == "" {
		lang = r.opts.Language
	}

	data := pageData{
		Title:       meta.Title,
		Description: meta.Description,
		Keywords:    strings.Join(meta.Tags, ", "),
		CSS:         template.CSS(css.String()),
	}
	if data.Title == "" {
		data.Title = "Notebook"
	}

	for i, c := range nb.Cells {
		if i == meta.FrontmatterCell {
			continue
		}
		view, err := r.cell(c, lang)
		if err != nil {
			return fmt.Errorf("render: cell %d: %w", i, err)
		}
		data.Cells = append(data.Cells, view)
	}

	if err := pageTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render: page: %w", err)
	}
	return nil
}

// Bytes renders nb and returns the page.
func (r *Renderer) Bytes(nb *notebook.Notebook) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Render(nb, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Renderer) cell(c notebook.Cell, lang string) (cellView, error) {
	view := cellView{Type: c.Type()}
	src := c.Source()

	switch c.Type() {
	case notebook.CellMarkdown:
		h, err := r.markdown(src)
		if err != nil {
			return view, err
		}
		view.Source = h
	case notebook.CellCode:
		if strings.TrimSpace(src) != "" {
			h, err := r.highlight(src, lang)
			if err != nil {
				return view, err
			}
			view.Source = h
		}
		for _, o := range c.Outputs() {
			h, err := r.output(o)
			if err != nil {
				return view, err
			}
			if h != "" {
				view.Outputs = append(view.Outputs, outputView{Type: o.Type(), HTML: h})
			}
		}
	default:
		view.Source = template.HTML("<pre>" + html.EscapeString(src) + "</pre>")
	}
	return view, nil
}

func (r *Renderer) markdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

func (r *Renderer) highlight(src, lang string) (template.HTML, error) {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)
	it, err := lexer.Tokenise(nil, src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.style, it); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}

// output renders one output by MIME priority. Linked charts become a frame
// showing the exported page; other chart entries are replaced by a note.
func (r *Renderer) output(o notebook.Output) (template.HTML, error) {
	switch o.Type() {
	case notebook.OutputStream:
		return pre(o.Text()), nil
	case notebook.OutputError:
		ename, _ := o["ename"].(string)
		evalue, _ := o["evalue"].(string)
		return pre(ename + ": " + evalue), nil
	}

	data := o.Data()
	if data == nil {
		return "", nil
	}
	if link, ok := data[ChartLinkMIME].(map[string]any); ok {
		href, _ := link["href"].(string)
		title, _ := link["title"].(string)
		return chartFrame(href, title), nil
	}
	for mime := range data {
		if charts.IsChartMIME(mime) {
			return `<p class="chart-note">Interactive chart published separately.</p>`, nil
		}
	}
	switch {
	case has(data, "text/html"):
		return template.HTML(o.MIMEText("text/html")), nil
	case has(data, "image/svg+xml"):
		return template.HTML(o.MIMEText("image/svg+xml")), nil
	case has(data, "image/png"):
		return img("image/png", o.MIMEText("image/png")), nil
	case has(data, "image/jpeg"):
		return img("image/jpeg", o.MIMEText("image/jpeg")), nil
	case has(data, "text/markdown"):
		return r.markdown(o.MIMEText("text/markdown"))
	case has(data, "text/plain"):
		return pre(o.MIMEText("text/plain")), nil
	}
	return "", nil
}

func chartFrame(href, title string) template.HTML {
	href = html.EscapeString(href)
	title = html.EscapeString(title)
	return template.HTML(`<figure class="chart"><iframe src="` + href + `" title="` + title + `" loading="lazy"></iframe>` +
		`<figcaption class="chart-note"><a href="` + href + `">` + title + `</a></figcaption></figure>`)
}

func has(data map[string]any, mime string) bool {
	_, ok := data[mime]
	return ok
}

func pre(s string) template.HTML {
	return template.HTML("<pre>" + html.EscapeString(s) + "</pre>")
}

// img embeds base64 image data. nbformat stores it already encoded, possibly
// with line breaks.
func img(mime, b64 string) template.HTML {
	clean := strings.Join(strings.Fields(b64), "")
	if _, err := base64.StdEncoding.DecodeString(clean); err != nil {
		return ""
	}
	return template.HTML(`<img src="data:` + mime + `;base64,` + clean + `" alt="">`)
}
