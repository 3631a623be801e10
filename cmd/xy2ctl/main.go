package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fxamacker/cbor/v2"

	"example.com/xy2gate/internal/capture"
	"example.com/xy2gate/internal/common"
	"example.com/xy2gate/internal/manifest"
	"example.com/xy2gate/internal/report"
	"example.com/xy2gate/internal/rules"
	"example.com/xy2gate/internal/xy2"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "decode":
		decodeCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "mapping":
		mappingCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`xy2ctl %s (built %s) <command> [options]

Commands:
  decode    --in <capture> [--mapping <mapping.yaml>] [--out <frames.ndjson>] [--format ndjson|cbor] [--summary] [--metrics] [--progress]
  validate  --in <capture> [--mapping <mapping.yaml>] [--rules <rulepack.json>] --out <diagnostics.jsonl> --acceptance <acceptance.json>
  report    --acceptance <acceptance.json> --pdf <report.pdf> [--capture <capture>]
  manifest  --inputs <comma-separated> --out <manifest.json>
  mapping   --out <mapping.yaml>
`, version, buildDate)
}

func loadConfig(mappingPath string) (xy2.Config, error) {
	if mappingPath == "" {
		return xy2.DefaultConfig(), nil
	}
	return capture.LoadMapping(mappingPath)
}

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	in := fs.String("in", "", "input capture")
	mapping := fs.String("mapping", "", "line mapping yaml")
	out := fs.String("out", "", "decoded frames output")
	format := fs.String("format", "ndjson", "frames output format: ndjson or cbor")
	summary := fs.Bool("summary", false, "print a per-channel summary table")
	metricsFlag := fs.Bool("metrics", false, "print decode throughput metrics")
	progressFlag := fs.Bool("progress", false, "display decode progress updates")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}
	if *format != "ndjson" && *format != "cbor" {
		fmt.Println("--format must be ndjson or cbor")
		os.Exit(1)
	}

	cfg, err := loadConfig(*mapping)
	if err != nil {
		fmt.Println("load mapping:", err)
		os.Exit(1)
	}

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	sess, err := capture.Decode(*in, cfg, metrics)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("decode:", err)
		os.Exit(1)
	}

	if *out != "" {
		if err := writeFrames(*out, *format, sess.Frames); err != nil {
			fmt.Println("write frames:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Decoded %d frames from %d samples\n", len(sess.Frames), sess.Samples)
	if *summary {
		renderSummary(os.Stdout, sess.Summaries(cfg))
	}
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Printf("Metrics: duration=%s samples=%d frames=%d processed=%s rate=%.0f samples/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Samples,
			snap.Frames,
			common.FormatBytes(snap.Bytes),
			snap.SamplesPerSecond(),
		)
	}
}

func writeFrames(path, format string, frames []xy2.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	switch format {
	case "cbor":
		b, err := cbor.Marshal(frames)
		if err != nil {
			return err
		}
		_, err = f.Write(b)
		return err
	default:
		enc := json.NewEncoder(f)
		for _, fr := range frames {
			if err := enc.Encode(fr); err != nil {
				return err
			}
		}
		return nil
	}
}

func renderSummary(out io.Writer, sums []capture.ChannelSummary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tFRAMES\t16-BIT\t18-BIT\tINVALID\tPARITY FAIL\tPOS RANGE")
	for _, s := range sums {
		posRange := "-"
		if s.Valid16+s.Valid18 > 0 {
			posRange = fmt.Sprintf("0x%05X..0x%05X", s.MinPosition, s.MaxPosition)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.Channel, s.Frames, s.Valid16, s.Valid18, s.Invalid, s.ParityFailures, posRange)
	}
	w.Flush()
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	in := fs.String("in", "", "input capture")
	mapping := fs.String("mapping", "", "line mapping yaml")
	rulesPath := fs.String("rules", "", "rulepack.json")
	outDiag := fs.String("out", "diagnostics.jsonl", "diagnostics output")
	outAcc := fs.String("acceptance", "acceptance_report.json", "acceptance json")
	includeTimestamps := fs.Bool("diag-include-timestamps", true, "include timestamp metadata in diagnostics output")
	metricsFlag := fs.Bool("metrics", false, "print decode throughput metrics")
	progressFlag := fs.Bool("progress", false, "display decode progress updates")
	fs.Parse(args)

	if *in == "" {
		fmt.Println("required: --in")
		os.Exit(1)
	}

	cfg, err := loadConfig(*mapping)
	if err != nil {
		fmt.Println("load mapping:", err)
		os.Exit(1)
	}

	rp := rules.DefaultRulePack()
	if *rulesPath != "" {
		rp, err = rules.LoadRulePack(*rulesPath)
		if err != nil {
			fmt.Println("load rulepack:", err)
			os.Exit(1)
		}
	}

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		metrics.Start()
	}

	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	engine.SetConfigValue("diag.include_timestamps", *includeTimestamps)

	ctx := &rules.Context{CapturePath: *in, MappingPath: *mapping, Config: cfg, Metrics: metrics}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}
	diags, err := engine.Eval(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("eval:", err)
		os.Exit(1)
	}

	if err := engine.WriteDiagnosticsNDJSON(*outDiag); err != nil {
		fmt.Println("write diags:", err)
		os.Exit(1)
	}
	rep := engine.MakeAcceptance()
	if err := report.SaveAcceptanceJSON(rep, *outAcc); err != nil {
		fmt.Println("write report:", err)
		os.Exit(1)
	}
	fmt.Printf("PASS=%v, errors=%d, warnings=%d, diagnostics=%d\n", rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings, len(diags))
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		fmt.Printf("Metrics: duration=%s samples=%d frames=%d rate=%.0f samples/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Samples,
			snap.Frames,
			snap.SamplesPerSecond(),
		)
	}
	if !rep.Summary.Pass {
		os.Exit(1)
	}
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	accPath := fs.String("acceptance", "", "acceptance_report.json")
	pdfPath := fs.String("pdf", "", "output acceptance report PDF")
	capturePath := fs.String("capture", "", "capture to fingerprint on the report")
	fs.Parse(args)

	if *accPath == "" || *pdfPath == "" {
		fmt.Println("required: --acceptance, --pdf")
		os.Exit(1)
	}
	rep, err := report.LoadAcceptanceJSON(*accPath)
	if err != nil {
		fmt.Println("load acceptance:", err)
		os.Exit(1)
	}
	captureHash := ""
	if *capturePath != "" {
		hash, _, err := common.Sha256OfFile(*capturePath)
		if err != nil {
			fmt.Println("hash capture:", err)
			os.Exit(1)
		}
		captureHash = hash
	}
	if err := report.SaveAcceptancePDF(rep, captureHash, *pdfPath); err != nil {
		fmt.Println("write pdf:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote PDF:", *pdfPath)
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated paths")
	out := fs.String("out", "manifest.json", "output json")
	fs.Parse(args)

	if *inputs == "" {
		fmt.Println("required: --inputs")
		os.Exit(1)
	}

	var paths []string
	for _, p := range strings.Split(*inputs, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		fmt.Println("no input paths specified")
		os.Exit(1)
	}

	m, err := manifest.Build(paths)
	if err != nil {
		fmt.Println("manifest build:", err)
		os.Exit(1)
	}
	if err := manifest.Save(m, *out); err != nil {
		fmt.Println("manifest save:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", *out)
}

func mappingCmd(args []string) {
	fs := flag.NewFlagSet("mapping", flag.ExitOnError)
	out := fs.String("out", "mapping.yaml", "output mapping template")
	fs.Parse(args)

	if err := capture.WriteDefaultMapping(*out); err != nil {
		fmt.Println("write mapping:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", *out)
}
