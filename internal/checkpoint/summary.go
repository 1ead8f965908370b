package checkpoint

import (
	"cmp"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"k8s.io/klog/v2"

	"trainkeeper/internal/model"
)

// SummaryOptions selects and formats checkpoints for List.
type SummaryOptions struct {
	Dir       string
	Stem      string
	Ext       string
	Reducer   model.Reducer
	Precision int
	// Extra names additional columns: epoch_count, run_id, saved_at, host,
	// or a breakdown component of cv_loss.
	Extra []string
	// Codec overrides the extension-based codec choice.
	Codec Codec
}

// Row is one ranked checkpoint.
type Row struct {
	Filename       string            `json:"filename"`
	CVLoss         string            `json:"cv_loss"`
	Metric         float64           `json:"-"`
	Ranked         bool              `json:"-"`
	ParameterCount int               `json:"parameter_count"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// List scans opts.Dir recursively for checkpoints whose path below Dir
// contains opts.Stem and ends with opts.Ext, and returns them sorted ascending by
// reduced cv_loss. Checkpoints without a usable metric sort last; files
// that do not decode are logged and skipped.
func List(opts SummaryOptions) ([]Row, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("summary directory is required")
	}
	reduce := opts.Reducer
	if reduce == nil {
		reduce = model.SumReducer
	}
	codec := opts.Codec
	if codec == nil {
		codec = CodecFor(opts.Ext)
	}

	var rows []Row
	err := filepath.WalkDir(opts.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, err := filepath.Rel(opts.Dir, path)
		if err != nil {
			name = path
		}
		if !strings.Contains(name, opts.Stem) || !strings.HasSuffix(name, opts.Ext) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		record, err := codec.Decode(data)
		if err != nil {
			klog.Warningf("summary: skipping %s: %v", name, err)
			return nil
		}
		row := Row{
			Filename:       name,
			CVLoss:         "n/a",
			ParameterCount: record.ParameterCount,
		}
		if v, ok := reduce(record.CVLoss); ok {
			row.Metric = v
			row.Ranked = true
			row.CVLoss = formatFloat(v, opts.Precision)
		}
		if len(opts.Extra) > 0 {
			row.Extra = make(map[string]string, len(opts.Extra))
			for _, field := range opts.Extra {
				row.Extra[field] = extraField(record, field, opts.Precision)
			}
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(rows, func(a, b Row) int {
		if a.Ranked != b.Ranked {
			if a.Ranked {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.Metric, b.Metric); c != 0 {
			return c
		}
		return strings.Compare(a.Filename, b.Filename)
	})
	return rows, nil
}

// WriteTable renders rows as aligned columns.
func WriteTable(w io.Writer, rows []Row, extra []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := append([]string{"filename", "cv_loss", "parameter_count"}, extra...)
	if _, err := fmt.Fprintln(tw, strings.Join(header, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		cols := []string{row.Filename, row.CVLoss, strconv.Itoa(row.ParameterCount)}
		for _, field := range extra {
			cols = append(cols, row.Extra[field])
		}
		if _, err := fmt.Fprintln(tw, strings.Join(cols, "\t")); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func extraField(r Record, field string, precision int) string {
	switch field {
	case "epoch_count":
		return strconv.Itoa(r.EpochCount)
	case "run_id":
		return r.RunID
	case "saved_at":
		return r.SavedAtUTC
	case "host":
		return r.Host
	}
	if parts, ok := r.CVLoss.Parts(); ok {
		if v, ok := parts[field]; ok {
			return formatFloat(v, precision)
		}
	}
	return ""
}

func formatFloat(v float64, precision int) string {
	if precision < 0 {
		precision = -1
	}
	return strconv.FormatFloat(v, 'f', precision, 64)
}
