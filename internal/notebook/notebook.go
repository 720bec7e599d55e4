// Package notebook reads and writes nbformat v4 notebook documents.
//
// Documents are kept as generic JSON values so that keys nbfolio does not
// know about survive a round trip. Numbers are decoded as json.Number and
// written back verbatim.
package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/starford/nbfolio/internal/apperr"
)

// Cell types.
const (
	CellMarkdown = "markdown"
	CellCode     = "code"
	CellRaw      = "raw"
)

// Output types.
const (
	OutputStream        = "stream"
	OutputDisplayData   = "display_data"
	OutputExecuteResult = "execute_result"
	OutputError         = "error"
)

// MinFormat is the oldest nbformat major version understood.
const MinFormat = 4

// Notebook is a parsed notebook document.
type Notebook struct {
	Cells    []Cell
	Metadata map[string]any

	// top holds every top-level key other than "cells" and "metadata".
	top map[string]any
}

// Cell is one notebook cell. Known keys are read through accessors.
type Cell map[string]any

// Output is one output artifact of a code cell.
type Output map[string]any

// Parse decodes and validates a notebook. Every failure wraps apperr.ErrMalformed.
func Parse(data []byte) (*Notebook, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", apperr.ErrMalformed)
	}

	doc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document is not an object", apperr.ErrMalformed)
	}

	format, err := formatVersion(doc["nbformat"])
	if err != nil {
		return nil, err
	}
	if format < MinFormat {
		return nil, fmt.Errorf("%w: nbformat %d is not supported", apperr.ErrMalformed, format)
	}

	rawCells, ok := doc["cells"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing cells array", apperr.ErrMalformed)
	}
	cells := make([]Cell, 0, len(rawCells))
	for i, rc := range rawCells {
		m, ok := rc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: cell %d is not an object", apperr.ErrMalformed, i)
		}
		if _, ok := m["cell_type"].(string); !ok {
			return nil, fmt.Errorf("%w: cell %d has no cell_type", apperr.ErrMalformed, i)
		}
		if outs, present := m["outputs"]; present {
			if _, ok := outs.([]any); !ok {
				return nil, fmt.Errorf("%w: cell %d outputs is not an array", apperr.ErrMalformed, i)
			}
		}
		cells = append(cells, Cell(m))
	}

	meta, _ := doc["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}

	top := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "cells" || k == "metadata" {
			continue
		}
		top[k] = v
	}

	return &Notebook{Cells: cells, Metadata: meta, top: top}, nil
}

func formatVersion(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: missing nbformat", apperr.ErrMalformed)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: nbformat %q is not an integer", apperr.ErrMalformed, n)
	}
	return int(i), nil
}

// Format returns the nbformat major version.
func (nb *Notebook) Format() int {
	v, _ := formatVersion(nb.top["nbformat"])
	return v
}

// Language returns the kernel language, or "" when the notebook does not say.
func (nb *Notebook) Language() string {
	if li, ok := nb.Metadata["language_info"].(map[string]any); ok {
		if s, ok := li["name"].(string); ok && s != "" {
			return s
		}
	}
	if ks, ok := nb.Metadata["kernelspec"].(map[string]any); ok {
		if s, ok := ks["language"].(string); ok {
			return s
		}
	}
	return ""
}

// Encode writes the notebook the way nbformat does: sorted keys, one-space
// indentation, no HTML escaping, trailing newline. The output is a pure
// function of the document.
func Encode(nb *Notebook) ([]byte, error) {
	doc := make(map[string]any, len(nb.top)+2)
	for k, v := range nb.top {
		doc[k] = v
	}
	cells := make([]any, len(nb.Cells))
	for i, c := range nb.Cells {
		cells[i] = map[string]any(c)
	}
	doc["cells"] = cells
	doc["metadata"] = nb.Metadata

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("notebook: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Type returns the cell type.
func (c Cell) Type() string {
	s, _ := c["cell_type"].(string)
	return s
}

// Source returns the cell source as one string.
func (c Cell) Source() string {
	return joinText(c["source"])
}

// Metadata returns the cell metadata, or nil.
func (c Cell) Metadata() map[string]any {
	m, _ := c["metadata"].(map[string]any)
	return m
}

// Outputs returns the cell outputs in order. Non-object entries are skipped.
func (c Cell) Outputs() []Output {
	raw, _ := c["outputs"].([]any)
	out := make([]Output, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			out = append(out, Output(m))
		}
	}
	return out
}

// SetOutputs replaces the cell outputs.
func (c Cell) SetOutputs(outs []Output) {
	raw := make([]any, len(outs))
	for i, o := range outs {
		raw[i] = map[string]any(o)
	}
	c["outputs"] = raw
}

// Type returns the output type.
func (o Output) Type() string {
	s, _ := o["output_type"].(string)
	return s
}

// Data returns the MIME bundle of display_data and execute_result outputs.
func (o Output) Data() map[string]any {
	m, _ := o["data"].(map[string]any)
	return m
}

// Text returns the text of a stream output, or the text value of a MIME
// bundle entry.
func (o Output) Text() string {
	return joinText(o["text"])
}

// MIMEText returns the bundle entry for mime as a string.
func (o Output) MIMEText(mime string) string {
	return joinText(o.Data()[mime])
}

// joinText flattens the nbformat multiline representation (string or list
// of strings).
func joinText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var b strings.Builder
		for _, item := range t {
			if s, ok := item.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}

// EncodedSize returns the length of v encoded as compact JSON.
func EncodedSize(v any) int {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return 0
	}
	return buf.Len() - 1 // trailing newline
}

// Clone returns a deep copy of a decoded JSON value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = Clone(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = Clone(val)
		}
		return s
	default:
		return v
	}
}
