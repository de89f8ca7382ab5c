// Command extract runs region OCR extraction on a local document and prints
// the records.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract field values from scanned real-estate documents",
	Long: `Extract detects field regions on each page of a scanned PDF or image,
reads them with Tesseract and scores every value as accepted, needs_review
or rejected.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
