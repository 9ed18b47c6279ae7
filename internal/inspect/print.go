package inspect

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
)

// maxNameWidth caps the tensor name column; longer names are truncated.
const maxNameWidth = 72

// Print writes a human-readable report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "File: %s (%s)\n", r.Path, formatBytes(r.Size))
	fmt.Fprintf(w, "Format: %s\n", r.Format)

	if len(r.Keys) > 0 {
		fmt.Fprintf(w, "Top-level keys (%d):\n", len(r.Keys))
		width := 0
		if r.HasStateDict {
			width = runewidth.StringWidth("state_dict")
		}
		for _, f := range r.Fields {
			width = max(width, runewidth.StringWidth(f.Key))
		}
		for _, f := range r.Fields {
			fmt.Fprintf(w, "  %s  %s\n", runewidth.FillRight(f.Key, width), f.Value)
		}
		if r.HasStateDict {
			fmt.Fprintf(w, "  %s  %d tensors\n", runewidth.FillRight("state_dict", width), r.NumTensors)
		} else {
			fmt.Fprintln(w, "  (no state_dict)")
		}
	}

	if len(r.Metadata) > 0 {
		fmt.Fprintln(w, "Metadata:")
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, r.Metadata[k])
		}
	}

	fmt.Fprintf(w, "Tensors: %d (%s)\n", r.NumTensors, formatBytes(r.TensorBytes))
	for _, p := range r.Prefixes {
		fmt.Fprintf(w, "  %s*: %d\n", p.Prefix, p.Count)
	}

	if len(r.Tensors) == 0 {
		return
	}
	r.printTensors(w)
}

func (r *Report) printTensors(w io.Writer) {
	nameWidth := 0
	for _, t := range r.Tensors {
		nameWidth = max(nameWidth, runewidth.StringWidth(t.Name))
	}
	nameWidth = min(nameWidth, maxNameWidth)

	fmt.Fprintln(w)
	for _, t := range r.Tensors {
		name := runewidth.FillRight(runewidth.Truncate(t.Name, nameWidth, "…"), nameWidth)
		line := fmt.Sprintf("%s  %-5s %-16s %10s", name, t.DType, formatShape(t.Shape), formatBytes(t.Bytes))
		if t.Location != "" {
			line += "  " + t.Location
		}
		if t.Hash != 0 {
			line += fmt.Sprintf("  xxh3=%016x", t.Hash)
		}
		if t.Stats != nil {
			line += fmt.Sprintf("  min=%.6g max=%.6g mean=%.6g", t.Stats.Min, t.Stats.Max, t.Stats.Mean)
			if t.Stats.NaNs > 0 {
				line += fmt.Sprintf(" nan=%d", t.Stats.NaNs)
			}
		}
		fmt.Fprintln(w, line)
	}
	if hidden := r.TotalMatches - len(r.Tensors); hidden > 0 {
		fmt.Fprintf(w, "... %d more\n", hidden)
	}
}

func formatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
