package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/dustin/go-humanize"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/storage/config"
	"github.com/xtxerr/spectra/internal/storage/parquet"
	"github.com/xtxerr/spectra/internal/storage/queue"
	"github.com/xtxerr/spectra/internal/storage/rawfile"
	"github.com/xtxerr/spectra/internal/storage/retention"
	"github.com/xtxerr/spectra/internal/storage/table"
	"github.com/xtxerr/spectra/internal/storage/types"
)

var errExit = errors.New("exit")

type command struct {
	usage string
	help  string
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":     {"help", "show this help", (*shell).help},
		"files":    {"files", "list sealed raw files", (*shell).files},
		"dump":     {"dump <file> [limit]", "print the records of a raw file", (*shell).dump},
		"usage":    {"usage", "disk usage and retention preview", (*shell).usage},
		"buckets":  {"buckets <granularity> <from> <to> [station]", "list aggregate buckets starting in [from, to)", (*shell).buckets},
		"bands":    {"bands <granularity> <start> [station]", "print the bands of one bucket", (*shell).bands},
		"station":  {"station [id]", "show the stored station configuration", (*shell).station},
		"settings": {"settings", "list setting keys", (*shell).settings},
		"setting":  {"setting <key>", "print a setting", (*shell).setting},
		"sql":      {"sql <query>", "run a query against the aggregate table", (*shell).sql},
		"queue":    {"queue", "show sealed files waiting for aggregation", (*shell).queueDepth},
		"exit":     {"exit", "leave the shell", func(*shell, context.Context, []string) error { return errExit }},
	}
	commands["quit"] = commands["exit"]
}

// shell inspects the stores of a data directory.
type shell struct {
	cfg     *config.Config
	out     io.Writer
	table   *table.Table
	queue   *queue.Queue
	archive *parquet.Archive
	sweeper *retention.Sweeper

	// detached is set when the table is held by a running daemon and
	// bucket queries are answered from the archive.
	detached bool
}

func newShell(cfg *config.Config, out io.Writer) (*shell, error) {
	s := &shell{
		cfg:     cfg,
		out:     out,
		sweeper: retention.New(cfg.Raw.Extension),
		archive: parquet.NewArchive(cfg.ArchiveDir(), parquet.DefaultOptions()),
	}

	t, err := table.Open(cfg.TablePath())
	if err != nil {
		// DuckDB allows one writer process per file.
		fmt.Fprintf(out, "aggregate table unavailable (%v), using the archive\n", err)
		if t, err = table.Open(""); err != nil {
			return nil, err
		}
		s.detached = true
	}
	s.table = t

	q, err := queue.Open(cfg.QueuePath(), cfg.Queue.Name, cfg.Queue.VisibilityTimeout)
	if err != nil {
		t.Close()
		return nil, err
	}
	s.queue = q

	return s, nil
}

func (s *shell) Close() error {
	return errors.Join(s.queue.Close(), s.table.Close())
}

// exec runs one command line. errExit is returned for exit.
func (s *shell) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	name, rest, _ := strings.Cut(line, " ")
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", name)
	}

	var args []string
	if name == "sql" {
		if rest = strings.TrimSpace(rest); rest != "" {
			args = []string{rest}
		}
	} else {
		args = strings.Fields(rest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return cmd.run(s, ctx, args)
}

func (s *shell) executor(line string) {
	if err := s.exec(line); err != nil && !errors.Is(err, errExit) {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *shell) completer(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		sug := make([]prompt.Suggest, 0, len(commands))
		for _, name := range commandNames() {
			sug = append(sug, prompt.Suggest{Text: name, Description: commands[name].help})
		}
		return prompt.FilterHasPrefix(sug, d.GetWordBeforeCursor(), true)
	}

	switch fields[0] {
	case "buckets", "bands":
		if len(fields) == 1 || (len(fields) == 2 && !strings.HasSuffix(before, " ")) {
			var sug []prompt.Suggest
			for _, g := range types.AllGranularities() {
				sug = append(sug, prompt.Suggest{Text: g.String()})
			}
			return prompt.FilterHasPrefix(sug, d.GetWordBeforeCursor(), true)
		}
	case "dump":
		files, _ := rawfile.ListSealed(s.cfg.RawDir(), s.cfg.Raw.Extension)
		sug := make([]prompt.Suggest, 0, len(files))
		for _, f := range files {
			sug = append(sug, prompt.Suggest{Text: f.Name, Description: humanize.Bytes(uint64(f.Size))})
		}
		return prompt.FilterHasPrefix(sug, d.GetWordBeforeCursor(), true)
	}
	return nil
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *shell) help(_ context.Context, _ []string) error {
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %s\t%s\n", commands[name].usage, commands[name].help)
	}
	return w.Flush()
}

func (s *shell) files(_ context.Context, _ []string) error {
	files, err := rawfile.ListSealed(s.cfg.RawDir(), s.cfg.Raw.Extension)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(s.out, "no sealed files")
		return nil
	}

	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTART\tSIZE\tMODIFIED")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Name, f.Start.Format(time.RFC3339),
			humanize.Bytes(uint64(f.Size)), humanize.Time(f.ModTime))
	}
	return w.Flush()
}

func (s *shell) dump(_ context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s", commands["dump"].usage)
	}
	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}

	path := args[0]
	if _, err := os.Stat(path); err != nil && !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.RawDir(), path)
	}

	c, err := rawfile.ReadFile(path)
	if err != nil {
		return err
	}

	if h := c.Header; h != nil {
		fmt.Fprintf(s.out, "header: %s hardware=%s station=%s\n",
			h.Timestamp.Format(time.RFC3339), h.Hardware, h.Station.StationID)
	} else {
		fmt.Fprintln(s.out, "header: none")
	}
	fmt.Fprintf(s.out, "records: %d\n", len(c.Records))

	for i, r := range c.Records {
		if i == limit {
			fmt.Fprintf(s.out, "... %d more\n", len(c.Records)-limit)
			break
		}
		lo, hi := span(r.Readings)
		fmt.Fprintf(s.out, "%s  %s - %s  %-7s  %d slots  [%.1f, %.1f] dB  %s\n",
			r.Timestamp.Format("2006-01-02 15:04:05.000"),
			formatHz(r.StartFrequencyHz), formatHz(r.StopFrequencyHz),
			r.ReadingKind, len(r.Readings), lo, hi, r.DeviceID)
	}
	return nil
}

func span(v []float32) (lo, hi float32) {
	for i, x := range v {
		if i == 0 || x < lo {
			lo = x
		}
		if i == 0 || x > hi {
			hi = x
		}
	}
	return lo, hi
}

func formatHz(hz int64) string {
	v, prefix := humanize.ComputeSI(float64(hz))
	return humanize.FtoaWithDigits(v, 6) + " " + prefix + "Hz"
}

func (s *shell) usage(_ context.Context, _ []string) error {
	fmt.Fprintln(s.out, s.sweeper.FormatDiskUsage(s.cfg.RawDir()))

	res, err := s.sweeper.DryRun(s.cfg.RawDir(), s.cfg.Raw.Retention)
	if err != nil {
		return err
	}
	if s.cfg.Raw.Retention <= 0 {
		fmt.Fprintln(s.out, "retention: keep everything")
		return nil
	}
	fmt.Fprintf(s.out, "retention %s: %d files (%s) older than %s would be deleted\n",
		s.cfg.Raw.Retention, res.FilesDeleted, humanize.Bytes(uint64(res.BytesFreed)),
		res.Cutoff.Format(time.RFC3339))
	return nil
}

func (s *shell) query(ctx context.Context, station string, g types.Granularity, from, to time.Time) ([]*types.AggregateBucket, error) {
	if s.detached {
		return s.table.QueryArchive(ctx, s.archive.Glob(station, g), station, g, from, to)
	}
	return s.table.QueryRange(ctx, station, g, from, to)
}

func (s *shell) stationArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return s.cfg.StationID
}

func (s *shell) buckets(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: %s", commands["buckets"].usage)
	}
	g, err := types.ParseGranularity(args[0])
	if err != nil {
		return err
	}
	from, err := parseTime(args[1])
	if err != nil {
		return err
	}
	to, err := parseTime(args[2])
	if err != nil {
		return err
	}

	buckets, err := s.query(ctx, s.stationArg(args, 3), g, from, to)
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		fmt.Fprintln(s.out, "no buckets")
		return nil
	}

	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tBANDS\tLOW\tHIGH\tSAMPLES")
	for _, b := range buckets {
		bands := b.Bands.Bands()
		var lo, hi, samples int64
		for i, band := range bands {
			if i == 0 {
				lo = band.StartFrequencyHz
			}
			hi = band.StartFrequencyHz
			samples = max(samples, band.SampleCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			b.BucketStart.Format(time.RFC3339), b.BucketEnd.Format(time.RFC3339),
			len(bands), formatHz(lo), formatHz(hi), samples)
	}
	return w.Flush()
}

func (s *shell) bands(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", commands["bands"].usage)
	}
	g, err := types.ParseGranularity(args[0])
	if err != nil {
		return err
	}
	start, err := parseTime(args[1])
	if err != nil {
		return err
	}

	buckets, err := s.query(ctx, s.stationArg(args, 2), g, start, start.Add(time.Nanosecond))
	if err != nil {
		return err
	}
	if len(buckets) == 0 {
		return fmt.Errorf("bucket %s %s: %w", g, start.Format(time.RFC3339), errors.ErrNotFound)
	}

	stats := types.AllStatistics()
	w := tabwriter.NewWriter(s.out, 0, 4, 1, ' ', tabwriter.AlignRight)
	fmt.Fprint(w, "FREQUENCY\tN\t")
	for _, st := range stats {
		fmt.Fprintf(w, "%s\t", st)
	}
	fmt.Fprintln(w)

	for _, band := range buckets[0].Bands.Bands() {
		fmt.Fprintf(w, "%s\t%d\t", formatHz(band.StartFrequencyHz), band.SampleCount)
		for _, st := range stats {
			if v, ok := band.Get(st); ok {
				fmt.Fprintf(w, "%.2f\t", v)
			} else {
				fmt.Fprint(w, "-\t")
			}
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

func (s *shell) station(ctx context.Context, args []string) error {
	if s.detached {
		return fmt.Errorf("station configs live in the aggregate table, which is in use")
	}
	cfg, err := s.table.StationConfig(ctx, s.stationArg(args, 0))
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "station:     %s %s\n", cfg.StationID, cfg.Name)
	fmt.Fprintf(s.out, "aggregation: enabled=%t %s\n", cfg.Aggregation.Enabled, strings.Join(cfg.Aggregation.Granularities, ","))
	rc := cfg.RawCapture
	fmt.Fprintf(s.out, "raw capture: bucket=%s duty=%s/%s retention=%s\n",
		rc.BucketWidth, rc.DutyCycleOn, rc.DutyCyclePeriod, rc.Retention)
	for _, sn := range cfg.Sensors {
		fmt.Fprintf(s.out, "sensor:      %s %s %s - %s (%d samples)\n",
			sn.ID, sn.Hardware, formatHz(sn.StartFrequencyHz), formatHz(sn.StopFrequencyHz), sn.SamplesPerScan)
	}
	return nil
}

func (s *shell) settings(ctx context.Context, _ []string) error {
	keys, err := s.table.Settings(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(s.out, k)
	}
	return nil
}

func (s *shell) setting(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["setting"].usage)
	}
	v, err := s.table.GetSetting(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, strings.TrimRight(v, "\n"))
	return nil
}

func (s *shell) sql(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["sql"].usage)
	}
	cols, rows, err := s.table.ExecuteSQL(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(w, strings.Join(vals, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
	return nil
}

func (s *shell) queueDepth(ctx context.Context, _ []string) error {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %d pending\n", s.queue.Name(), n)
	return nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTime accepts RFC 3339 and shorter UTC layouts.
func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}
