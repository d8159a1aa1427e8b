package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lancejames221b/hivevault/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query audit logs and generate compliance reports",
	Long: `Query the vault's audit trail with filters for user, event type, result,
and time range, or generate compliance reports against SOX, HIPAA, PCI-DSS,
or GDPR rule sets.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  hivevault audit query --user alice --since 24h
  hivevault audit query --result FAILURE --limit 50
  hivevault audit query --anomalies --json`,
	RunE: runAuditQuery,
}

var auditReportCmd = &cobra.Command{
	Use:   "report <framework>",
	Short: "Generate a compliance report",
	Long:  `Generate a compliance report for one framework (sox, hipaa, pci, gdpr) over the given period.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditReport,
}

var (
	auditUser       string
	auditType       string
	auditResult     string
	auditSession    string
	auditSince      string
	auditUntil      string
	auditAnomalies  bool
	auditLimit      int
	auditOffset     int
	auditJSONOutput bool
	reportSince     string
	reportUntil     string
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditReportCmd)

	auditQueryCmd.Flags().StringVar(&auditUser, "user", "", "filter by user ID")
	auditQueryCmd.Flags().StringVar(&auditType, "type", "", "filter by event type (CREATE, READ, AUTH, ROTATE, ...)")
	auditQueryCmd.Flags().StringVar(&auditResult, "result", "", "filter by result (SUCCESS, FAILURE, DENIED, ...)")
	auditQueryCmd.Flags().StringVar(&auditSession, "session", "", "filter by session ID")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "events after this duration ago (e.g. 24h) or RFC3339 time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "events before this duration ago or RFC3339 time")
	auditQueryCmd.Flags().BoolVar(&auditAnomalies, "anomalies", false, "only events flagged anomalous")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip")
	auditQueryCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")

	auditReportCmd.Flags().StringVar(&reportSince, "since", "720h", "period start as duration ago or RFC3339 time")
	auditReportCmd.Flags().StringVar(&reportUntil, "until", "", "period end as duration ago or RFC3339 time (default now)")
	auditReportCmd.Flags().BoolVar(&auditJSONOutput, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		UserID:        auditUser,
		Type:          audit.EventType(strings.ToUpper(auditType)),
		Result:        audit.Result(strings.ToUpper(auditResult)),
		SessionID:     auditSession,
		AnomaliesOnly: auditAnomalies,
		Limit:         auditLimit,
		Offset:        auditOffset,
	}

	if auditSince != "" {
		t, err := parseTimeOrDuration(auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		options.Since = &t
	}
	if auditUntil != "" {
		t, err := parseTimeOrDuration(auditUntil)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
		options.Until = &t
	}

	result, err := vaultSvc.GetAuditTrail(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	header := []string{"TIME", "TYPE", "USER", "ACTION", "RESULT", "RISK", "ANOMALY"}
	rows := make([][]string, 0, len(result.Events))
	for _, e := range result.Events {
		rows = append(rows, []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.Type),
			e.UserID,
			e.Action,
			string(e.Result),
			fmt.Sprintf("%.2f", e.RiskScore),
			strconv.FormatBool(e.AnomalyDetected),
		})
	}
	printTable(header, rows)
	fmt.Printf("\n%d of %d events\n", len(result.Events), result.TotalCount)
	return nil
}

func runAuditReport(cmd *cobra.Command, args []string) error {
	framework, err := parseFramework(args[0])
	if err != nil {
		return err
	}

	start, err := parseTimeOrDuration(reportSince)
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	end := time.Now()
	if reportUntil != "" {
		end, err = parseTimeOrDuration(reportUntil)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}

	report, err := vaultSvc.GenerateComplianceReport(framework, start, end)
	if err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}

	if auditJSONOutput {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// parseTimeOrDuration accepts either an RFC3339 timestamp or a duration
// interpreted as "that long ago".
func parseTimeOrDuration(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, value)
}

func parseFramework(name string) (audit.Framework, error) {
	switch strings.ToLower(name) {
	case "sox":
		return audit.FrameworkSOX, nil
	case "hipaa":
		return audit.FrameworkHIPAA, nil
	case "pci", "pci-dss":
		return audit.FrameworkPCI, nil
	case "gdpr":
		return audit.FrameworkGDPR, nil
	default:
		return "", fmt.Errorf("unknown framework: %s. Supported: sox, hipaa, pci, gdpr", name)
	}
}
