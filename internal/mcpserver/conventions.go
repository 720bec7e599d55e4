package mcpserver

import "fmt"

// Dirs are the directories the conventions resource describes.
type Dirs struct {
	Source    string
	Processed string
	Plots     string
}

// Conventions describes the notebook directory layout and naming rules
// that agents should follow when adding notebooks to the site.
func Conventions(d Dirs) string {
	return fmt.Sprintf(`# nbfolio conventions

## Directories

- Source notebooks live in %[1]s. They are edited by hand and never modified by nbfolio.
- Processed copies are written to %[2]s, mirroring the source layout.
  Rendered pages (when enabled) sit next to them with an .html extension.
- Exported charts are written flat to %[3]s.

## Notebooks

1. Notebooks are nbformat 4 JSON with the .ipynb extension.
2. Optional front matter goes in the **first raw cell** as a YAML block
   fenced by `+"`---`"+` lines with `+"`title`"+`, `+"`description`"+` and `+"`tags`"+`.
   Without it the first `+"`# `"+` heading is the title.
3. Folders or files starting with a dot (for example .ipynb_checkpoints) are ignored.

## Conversions

- strip_notebook: processed copy with large outputs and chart payloads removed.
  Running it twice gives byte-identical output.
- export_charts: one standalone HTML file per plotly or vega-lite chart, named
  `+"`<notebook>-chart-<n>.html`"+` unless the charts catalogue names it.
  Re-running overwrites; charts the notebook no longer produces are removed.
- render_notebook: a standalone HTML page of the processed notebook.
- A malformed notebook fails and writes nothing.
`, d.Source, d.Processed, d.Plots)
}
