package cmd

import (
	"fmt"
	stdhttp "net/http"

	"github.com/spf13/cobra"

	celadapter "github.com/elf-platform/accessrl/internal/adapter/outbound/cel"
	"github.com/elf-platform/accessrl/internal/config"
	"github.com/elf-platform/accessrl/internal/domain/policy"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration",
	Long: `Load the configuration, validate it, and compile every policy,
including key resolvers and CEL expressions. Exits non-zero on the
first problem so the command can gate deployments.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	evaluator, err := celadapter.NewEvaluator(nil)
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	authenticated := func(r *stdhttp.Request) bool {
		return r.Header.Get("Authorization") != ""
	}
	policies, err := cfg.ToPolicies(evaluator, authenticated)
	if err != nil {
		return err
	}
	if _, err := policy.NewSnapshot(policies, cfg.DefaultPolicy); err != nil {
		return err
	}
	if _, err := cfg.FallbackResolver(); err != nil {
		return fmt.Errorf("invalid fallback_resolver: %w", err)
	}

	if file := config.ConfigFileUsed(); file != "" {
		fmt.Printf("config ok: %s\n", file)
	} else {
		fmt.Println("config ok (environment only)")
	}
	fmt.Printf("  policies:       %d\n", len(policies))
	if cfg.DefaultPolicy != "" {
		fmt.Printf("  default policy: %s\n", cfg.DefaultPolicy)
	}
	fmt.Printf("  redis:          %s\n", cfg.Redis.Addr)
	if cfg.Server.Upstream != "" {
		fmt.Printf("  upstream:       %s\n", cfg.Server.Upstream)
	}
	return nil
}
