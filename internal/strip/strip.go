// Package strip reduces notebook outputs so the processed copy stays small
// enough to publish.
package strip

import (
	"github.com/starford/nbfolio/internal/charts"
	"github.com/starford/nbfolio/internal/notebook"
)

// Mode selects how much output is removed.
type Mode string

const (
	// ModeLarge removes outputs and MIME entries above the size limit.
	ModeLarge Mode = "large"
	// ModeAll removes every output.
	ModeAll Mode = "all"
)

// DefaultMaxOutputBytes is the size limit used when Options.MaxOutputBytes is unset.
const DefaultMaxOutputBytes = 100 << 10

// Options controls a strip pass.
type Options struct {
	Mode           Mode
	MaxOutputBytes int
	// DropCharts removes interactive chart MIME entries regardless of size.
	DropCharts           bool
	ClearExecutionCounts bool
	DropWidgetState      bool
	DropCellTimings      bool
}

// DefaultOptions returns the options used by the strip command.
func DefaultOptions() Options {
	return Options{
		Mode:            ModeLarge,
		MaxOutputBytes:  DefaultMaxOutputBytes,
		DropCharts:      true,
		DropWidgetState: true,
		DropCellTimings: true,
	}
}

// Report summarises what a strip pass removed.
type Report struct {
	Cells          int `json:"cells"`
	OutputsRemoved int `json:"outputs_removed"`
	EntriesRemoved int `json:"entries_removed"`
	BytesRemoved   int `json:"bytes_removed"`
}

// cellTimingKeys are cell metadata keys written by JupyterLab and the
// ExecuteTime extension on every run.
var cellTimingKeys = []string{"execution", "ExecuteTime"}

// Strip removes outputs from nb in place according to opts.
func Strip(nb *notebook.Notebook, opts Options) Report {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.Mode == "" {
		opts.Mode = ModeLarge
	}

	var rep Report
	rep.Cells = len(nb.Cells)

	if opts.DropWidgetState {
		if w, ok := nb.Metadata["widgets"]; ok {
			rep.BytesRemoved += notebook.EncodedSize(w)
			delete(nb.Metadata, "widgets")
		}
	}

	for _, c := range nb.Cells {
		if opts.DropCellTimings {
			if meta := c.Metadata(); meta != nil {
				for _, k := range cellTimingKeys {
					delete(meta, k)
				}
			}
		}
		if c.Type() != notebook.CellCode {
			continue
		}

		reset := opts.ClearExecutionCounts || opts.Mode == ModeAll
		if reset {
			c["execution_count"] = nil
		}

		outs := c.Outputs()
		kept := make([]notebook.Output, 0, len(outs))
		for _, o := range outs {
			if opts.Mode == ModeAll {
				rep.OutputsRemoved++
				rep.BytesRemoved += notebook.EncodedSize(o)
				continue
			}
			if !reduceOutput(o, opts, &rep) {
				rep.OutputsRemoved++
				rep.BytesRemoved += notebook.EncodedSize(o)
				continue
			}
			if reset && o.Type() == notebook.OutputExecuteResult {
				o["execution_count"] = nil
			}
			kept = append(kept, o)
		}
		if _, has := c["outputs"]; has || len(kept) > 0 {
			c.SetOutputs(kept)
		}
	}
	return rep
}

// reduceOutput drops oversized or chart MIME entries from o and reports
// whether the output should be kept.
func reduceOutput(o notebook.Output, opts Options, rep *Report) bool {
	data := o.Data()
	if data == nil {
		return notebook.EncodedSize(o) <= opts.MaxOutputBytes
	}
	meta, _ := o["metadata"].(map[string]any)
	for mime, v := range data {
		size := notebook.EncodedSize(v)
		if size <= opts.MaxOutputBytes && !(opts.DropCharts && charts.IsChartMIME(mime)) {
			continue
		}
		delete(data, mime)
		// Per-MIME display hints (image sizes and the like) go with their entry.
		delete(meta, mime)
		rep.EntriesRemoved++
		rep.BytesRemoved += size
	}
	return len(data) > 0
}

// Convert parses data, strips it, and returns the encoded processed copy.
// A parse failure returns an error wrapping apperr.ErrMalformed.
func Convert(data []byte, opts Options) ([]byte, Report, error) {
	nb, err := notebook.Parse(data)
	if err != nil {
		return nil, Report{}, err
	}
	rep := Strip(nb, opts)
	out, err := notebook.Encode(nb)
	if err != nil {
		return nil, Report{}, err
	}
	return out, rep, nil
}
