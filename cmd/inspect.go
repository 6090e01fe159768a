package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/khanhnv2901/urlinspect/internal/admission"
	"github.com/khanhnv2901/urlinspect/internal/config"
	"github.com/khanhnv2901/urlinspect/internal/inspector"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <url>",
	Short: "Inspect a single URL and print the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		tier, _ := cmd.Flags().GetString("tier")
		asJSON, _ := cmd.Flags().GetBool("json")
		skipTLS, _ := cmd.Flags().GetBool("skip-tls")
		skipDNS, _ := cmd.Flags().GetBool("skip-dns")
		skipGeo, _ := cmd.Flags().GetBool("skip-geo")
		skipWhois, _ := cmd.Flags().GetBool("skip-whois")
		skipCT, _ := cmd.Flags().GetBool("skip-ct")
		skipAnalysis, _ := cmd.Flags().GetBool("skip-analysis")

		// One-shot run, no background sweeps needed.
		cfg.Admission.CleanupInterval = 0
		cfg.Admission.MemorySweepInterval = 0

		store := admission.NewStore(cfg.Admission, logger.Named("admission"))
		defer store.Close()

		service := inspector.NewService(cfg, store, logger.Named("inspector"))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Inspection.MaxTimeout+5*time.Second)
		defer cancel()

		report, err := service.Run(ctx, "cli", tier, args[0], inspector.Options{
			Timeout:      timeout,
			SkipTLS:      skipTLS,
			SkipDNS:      skipDNS,
			SkipGeo:      skipGeo,
			SkipWhois:    skipWhois,
			SkipCT:       skipCT,
			SkipAnalysis: skipAnalysis,
		})
		if err != nil {
			return err
		}

		return renderReport(os.Stdout, report, asJSON)
	},
}

// renderReport prints an inspection report either as indented JSON or as a
// human-readable summary.
func renderReport(w io.Writer, report *inspector.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "%s %s\n", colorInfo("URL:"), report.URL)
	if report.FinalURL != "" && report.FinalURL != report.URL {
		fmt.Fprintf(w, "%s %s\n", colorInfo("Final URL:"), report.FinalURL)
	}
	status := "ok"
	if report.HTTPStatus == 0 || report.Error != "" {
		status = "error"
	}
	fmt.Fprintf(w, "%s %s (HTTP %d, %dms)\n", colorInfo("Fetch:"), formatStatusWithColor(status), report.HTTPStatus, report.ResponseTimeMs)
	if report.Error != "" {
		fmt.Fprintf(w, "%s %s\n", colorWarn("Note:"), report.Error)
	}
	for _, hop := range report.RedirectChain {
		fmt.Fprintf(w, "  %s %s -> %s (%d)\n", colorInfo("redirect"), hop.From, hop.To, hop.Status)
	}

	fmt.Fprintf(w, "%s %s\n", colorInfo("TLS:"), sectionLine(string(report.TLSSection.Status), report.TLSSection.Reason))
	if report.TLS != nil {
		fmt.Fprintf(w, "  %s grade=%s expires in %d days (issuer: %s)\n", report.TLS.Version, report.TLS.Grade, report.TLS.DaysUntilExpiry, report.TLS.Issuer)
	}
	fmt.Fprintf(w, "%s %s\n", colorInfo("DNS:"), sectionLine(string(report.DNSSection.Status), report.DNSSection.Reason))
	for _, rec := range report.DNS {
		fmt.Fprintf(w, "  %-6s %s\n", rec.Type, rec.Value)
	}
	fmt.Fprintf(w, "%s %s\n", colorInfo("Geo:"), sectionLine(string(report.GeoSection.Status), report.GeoSection.Reason))
	if report.Geo != nil {
		fmt.Fprintf(w, "  %s, %s (%s)\n", report.Geo.City, report.Geo.Country, report.Geo.ISP)
	}
	fmt.Fprintf(w, "%s %s\n", colorInfo("WHOIS:"), sectionLine(string(report.WhoisSection.Status), report.WhoisSection.Reason))
	if report.Whois != nil && report.Whois.Registrar != "" {
		fmt.Fprintf(w, "  registrar=%s expires=%s\n", report.Whois.Registrar, report.Whois.ExpiryDate)
	}
	fmt.Fprintf(w, "%s %s\n", colorInfo("CT:"), sectionLine(string(report.CTSection.Status), report.CTSection.Reason))
	if report.CT != nil && len(report.CT.Subdomains) > 0 {
		fmt.Fprintf(w, "  subdomains: %s\n", strings.Join(report.CT.Subdomains, ", "))
	}

	if report.Analysis != nil {
		fmt.Fprintf(w, "%s grade=%s score=%d\n", colorInfo("Security headers:"), report.Analysis.SecurityHeaders.Grade, report.Analysis.SecurityHeaders.Score)
		if report.Analysis.Meta.Title != "" {
			fmt.Fprintf(w, "%s %s\n", colorInfo("Title:"), report.Analysis.Meta.Title)
		}
	}

	return nil
}

func sectionLine(status, reason string) string {
	if reason == "" {
		return formatStatusWithColor(status)
	}
	return fmt.Sprintf("%s (%s)", formatStatusWithColor(status), reason)
}

func init() {
	inspectCmd.Flags().Duration("timeout", 0, "Per-inspection timeout (0 = server default)")
	inspectCmd.Flags().String("tier", "enterprise", "Quota tier to run under")
	inspectCmd.Flags().Bool("json", false, "Print the raw report as JSON")
	inspectCmd.Flags().Bool("skip-tls", false, "Skip the TLS probe")
	inspectCmd.Flags().Bool("skip-dns", false, "Skip DNS resolution")
	inspectCmd.Flags().Bool("skip-geo", false, "Skip geolocation lookup")
	inspectCmd.Flags().Bool("skip-whois", false, "Skip the WHOIS lookup")
	inspectCmd.Flags().Bool("skip-ct", false, "Skip certificate transparency lookup")
	inspectCmd.Flags().Bool("skip-analysis", false, "Skip content analysis")
}
