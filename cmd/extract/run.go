package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/regionocr-worker/internal/clients"
	"github.com/adverant/nexus/regionocr-worker/internal/confidence"
	"github.com/adverant/nexus/regionocr-worker/internal/detector"
	"github.com/adverant/nexus/regionocr-worker/internal/extraction"
	"github.com/adverant/nexus/regionocr-worker/internal/logging"
	"github.com/adverant/nexus/regionocr-worker/internal/ocr"
	"github.com/adverant/nexus/regionocr-worker/internal/raster"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
	"github.com/adverant/nexus/regionocr-worker/internal/review"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run one extraction session on a PDF or image file",
	Long: `Run one extraction session on a PDF or image file and print the result.

Examples:
  extract run lease.pdf
  extract run lease.pdf --format csv --pages 3
  extract run scan.tiff --regions regions.json
  extract run lease.pdf --review-pdf lease-review.pdf
  extract run lease.pdf --model-url http://detector:8080 --correction-url http://review:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("dpi", raster.DefaultPDFOptions().DPI, "PDF render resolution")
	runCmd.Flags().Int("pages", 0, "process only the first N pages (0 = all)")
	runCmd.Flags().StringP("format", "f", "json", "output format (json, csv)")
	runCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	runCmd.Flags().StringP("language", "l", "eng", "Tesseract language(s), e.g. eng+spa")
	runCmd.Flags().String("regions", "", "JSON file with manual regions; pages listed there skip detection")
	runCmd.Flags().String("template", "", "YAML field template used when detection finds nothing")
	runCmd.Flags().String("document-id", "", "document ID in the output (default: file name)")
	runCmd.Flags().String("model-url", "", "text-detection model service URL")
	runCmd.Flags().String("correction-url", "", "AI correction service URL")
	runCmd.Flags().Int("workers", 0, "concurrent pages (0 = number of CPUs)")
	runCmd.Flags().String("review-pdf", "", "also write a PDF with regions outlined by review status")
}

func runExtract(cmd *cobra.Command, args []string) error {
	path := args[0]
	dpi, _ := cmd.Flags().GetInt("dpi")
	pages, _ := cmd.Flags().GetInt("pages")
	format, _ := cmd.Flags().GetString("format")
	outputFile, _ := cmd.Flags().GetString("output")
	lang, _ := cmd.Flags().GetString("language")
	regionsFile, _ := cmd.Flags().GetString("regions")
	templateFile, _ := cmd.Flags().GetString("template")
	docID, _ := cmd.Flags().GetString("document-id")
	modelURL, _ := cmd.Flags().GetString("model-url")
	correctionURL, _ := cmd.Flags().GetString("correction-url")
	workers, _ := cmd.Flags().GetInt("workers")
	reviewPDF, _ := cmd.Flags().GetString("review-pdf")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if format != "json" && format != "csv" {
		return fmt.Errorf("unsupported format %q (want json or csv)", format)
	}
	logging.SetLevel(logLevel)
	logger := logging.NewLoggerTo(os.Stderr, "extract")

	if docID == "" {
		docID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	var manual []region.Region
	if regionsFile != "" {
		var err error
		if manual, err = loadRegions(regionsFile); err != nil {
			return err
		}
	}

	pdfOpts := raster.DefaultPDFOptions()
	pdfOpts.DPI = dpi
	src, err := raster.Open(path, pdfOpts)
	if err != nil {
		return err
	}
	defer src.Close()

	extractor, err := ocr.NewExtractor(ocr.NewTesseractEngine(ocr.TesseractConfig{Languages: strings.Split(lang, "+")}),
		ocr.DefaultConfig(), logger)
	if err != nil {
		return err
	}
	aggregator, err := confidence.NewAggregator(confidence.DefaultConfig())
	if err != nil {
		return err
	}
	detCfg := detector.DefaultConfig()
	if templateFile != "" {
		if detCfg.Template, err = detector.LoadTemplate(templateFile); err != nil {
			return err
		}
	}
	sc := extraction.Config{
		Detector:   detCfg,
		Extractor:  extractor,
		Aggregator: aggregator,
		Logger:     logger,
	}
	if modelURL != "" {
		sc.Model = clients.NewDetectionModelClient(modelURL, "")
	}
	if correctionURL != "" {
		sc.Corrector = clients.NewCorrectionClient(correctionURL, 30*time.Second)
	}

	sess, err := extraction.NewSession(sc, extraction.Options{
		PageWorkers:   workers,
		PageLimit:     pages,
		ManualRegions: manual,
	})
	if err != nil {
		return err
	}

	// Ctrl-C stops scheduling new pages; finished pages are still printed.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		sess.Cancel()
	}()

	result, err := sess.Run(context.WithoutCancel(ctx), extraction.Document{ID: docID, Source: src})
	if err != nil {
		return err
	}

	if reviewPDF != "" {
		if err := writeReviewPDF(ctx, reviewPDF, src, result); err != nil {
			logger.Warn("Review PDF not written", "path", reviewPDF, "error", err)
		}
	}

	out := cmd.OutOrStdout()
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return writeResult(out, result, format)
}

func writeReviewPDF(ctx context.Context, path string, src raster.Source, result *extraction.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create review PDF: %w", err)
	}
	if err := review.Write(context.WithoutCancel(ctx), f, src, result, review.DefaultOptions()); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// loadRegions reads a JSON array of regions and validates each one.
func loadRegions(path string) ([]region.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regions: %w", err)
	}
	var regions []region.Region
	if err := json.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("parse regions %s: %w", path, err)
	}
	for i := range regions {
		if regions[i].Source == "" {
			regions[i].Source = region.SourceManual
		}
		if regions[i].ID == "" {
			regions[i].ID = fmt.Sprintf("manual-p%d-%d", regions[i].PageIndex, i)
		}
	}
	return regions, nil
}

func writeResult(w io.Writer, result *extraction.Result, format string) error {
	if format == "csv" {
		cw := csv.NewWriter(w)
		if err := cw.Write(extraction.RowHeader); err != nil {
			return err
		}
		for _, row := range result.Rows() {
			if err := cw.Write(row.Strings()); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	result.Sort()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
