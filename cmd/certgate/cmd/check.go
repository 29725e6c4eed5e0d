package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certgate/config"
	"github.com/jmcleod/certgate/pki"
)

// tenantReport is the outcome of checking one tenant's CA.
type tenantReport struct {
	Tenant string        `json:"tenant"`
	Valid  bool          `json:"valid"`
	CA     *pki.CertInfo `json:"ca,omitempty"`
	Checks []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

// caExpiryWarning is how close to expiry a CA certificate triggers a warning.
const caExpiryWarning = 30 * 24 * time.Hour

// checkTenant loads the tenant's CA the same way the server does and mints
// a throwaway certificate with it.
func checkTenant(t *config.Tenant, now time.Time) tenantReport {
	report := tenantReport{Tenant: t.Name, Valid: true}
	fail := func(name string, err error) tenantReport {
		report.Valid = false
		report.Checks = append(report.Checks, checkResult{Name: name, Status: "fail", Detail: err.Error()})
		return report
	}

	var authority *pki.Authority
	err := t.Source().Open(func(m pki.AuthorityMaterial) error {
		var err error
		authority, err = pki.LoadAuthority(m, nil)
		return err
	})
	switch {
	case errors.Is(err, pki.ErrKeyMismatch):
		return fail("key_matches_certificate", err)
	case err != nil:
		return fail("ca_loadable", err)
	}
	report.Checks = append(report.Checks,
		checkResult{Name: "ca_loadable", Status: "pass"},
		checkResult{Name: "key_matches_certificate", Status: "pass"},
	)

	info := pki.Describe(authority.Certificate, now)
	report.CA = &info
	switch {
	case info.Status == pki.StatusExpired:
		report.Valid = false
		report.Checks = append(report.Checks, checkResult{
			Name: "ca_validity", Status: "fail",
			Detail: fmt.Sprintf("CA certificate not valid at %s", now.UTC().Format(time.RFC3339)),
		})
	case authority.Certificate.NotAfter.Sub(now) < caExpiryWarning:
		report.Checks = append(report.Checks, checkResult{
			Name: "ca_validity", Status: "warn",
			Detail: fmt.Sprintf("CA certificate expires %s", info.NotAfter),
		})
	default:
		report.Checks = append(report.Checks, checkResult{Name: "ca_validity", Status: "pass"})
	}
	if !authority.Certificate.IsCA {
		report.Checks = append(report.Checks, checkResult{
			Name: "basic_constraints", Status: "warn", Detail: "certificate is not marked as a CA",
		})
	}

	if _, err := pki.Mint(authority, t.Name, "certgate-check", now); err != nil {
		return fail("mint", err)
	}
	report.Checks = append(report.Checks, checkResult{Name: "mint", Status: "pass"})
	return report
}

func printHumanReport(w io.Writer, report tenantReport) {
	fmt.Fprintf(w, "Tenant: %s\n", report.Tenant)
	if report.CA != nil {
		fmt.Fprintf(w, "CA:     %s (expires %s)\n", report.CA.Subject, report.CA.NotAfter)
	}
	for _, c := range report.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}
	fmt.Fprintln(w)
}

var checkJSONOutput bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and every tenant CA",
	Long: `Loads the configuration file, reads each tenant's CA certificate and
private key and signs a test certificate with it. Exits non-zero when any
tenant would fail to issue certificates.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		now := time.Now()
		var reports []tenantReport
		failed := 0
		for _, t := range cfg.TenantList() {
			report := checkTenant(t, now)
			if !report.Valid {
				failed++
			}
			reports = append(reports, report)
		}

		out := cmd.OutOrStdout()
		if checkJSONOutput {
			if err := printJSON(out, reports); err != nil {
				return err
			}
		} else {
			for _, r := range reports {
				printHumanReport(out, r)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d tenant(s) failed", failed, len(reports))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSONOutput, "json", false, "Output results as JSON")
}
