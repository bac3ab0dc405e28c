package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"eventchat/internal/config"
	"eventchat/internal/gateway"
	"eventchat/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// report tallies doctor check results.
type report struct {
	w                      io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Fprintf(r.w, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Fprintf(r.w, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Fprintf(r.w, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your eventchat installation",
		Long: `Verifies that the configuration, message store and gateway settings are
usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			r := &report{w: cmd.OutOrStdout()}
			fmt.Fprintf(r.w, "eventchat doctor v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(r.w, "\nRun 'eventchat init' to create a default configuration.\n")
				return fmt.Errorf("1 check(s) failed")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			if err := checkUserID(cfg); err != nil {
				r.warn("User", "general.userId not set; chat will refuse to start")
			} else {
				r.pass("User", fmt.Sprintf("%s (%s)", cfg.General.UserID, cfg.General.DisplayName))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			checkStore(ctx, r, cfg.Store.DBPath)

			if cfg.Gateway.Enabled {
				if err := checkPort(cfg.Gateway.Host, cfg.Gateway.Port); err != nil {
					r.warn("Gateway port", fmt.Sprintf("%s:%d may be in use: %v", cfg.Gateway.Host, cfg.Gateway.Port, err))
				} else {
					r.pass("Gateway port", fmt.Sprintf("%s:%d available", cfg.Gateway.Host, cfg.Gateway.Port))
				}
			}
			if cfg.Gateway.URL != "" {
				client, err := gateway.Dial(ctx, gatewayDialURL(cfg.Gateway.URL, cfg.Gateway.Token, ""), logger)
				if err != nil {
					r.warn("Gateway URL", err.Error())
				} else {
					client.Close()
					r.pass("Gateway URL", config.RedactURL(cfg.Gateway.URL))
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(r.w, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

// checkStore opens the store, which also applies pending migrations, and
// reports its contents.
func checkStore(ctx context.Context, r *report, dbPath string) {
	st, err := store.Open(dbPath, nil, logger)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	defer st.Close()

	stats, err := st.Stats(ctx)
	if err != nil {
		r.fail("Database", err.Error())
		return
	}
	size := "unknown size"
	if info, err := os.Stat(dbPath); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	r.pass("Database", fmt.Sprintf("%s (%s, schema v%d)", dbPath, size, stats.SchemaVersion))
	r.pass("Contents", fmt.Sprintf("%s messages in %s conversations, %s profiles",
		humanize.Comma(int64(stats.Messages)), humanize.Comma(int64(stats.Conversations)), humanize.Comma(int64(stats.Profiles))))
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
