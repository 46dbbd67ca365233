package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/db"
)

// RegisterAuditCommands adds the audit command group to the root.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify the security audit chain",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain for this server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Verification only needs the audit database, not the full
			// engine, so no passphrase prompt here.
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			auditDB, err := db.OpenAuditDB(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("opening audit database: %w", err)
			}
			defer auditDB.Close()

			ok, count, err := audit.Verify(auditDB, cfg.ServerID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit chain verification failed after %d records", count)
			}
			fmt.Printf("audit chain intact: %d records verified for %s\n", count, cfg.ServerID)
			return nil
		},
	}

	var tailType string
	var tailLimit int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			auditDB, err := db.OpenAuditDB(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("opening audit database: %w", err)
			}
			defer auditDB.Close()

			query := `SELECT timestamp, event_type, severity, ip, detail FROM audit_log WHERE server_id = ?`
			queryArgs := []any{cfg.ServerID}
			if tailType != "" {
				query += ` AND event_type = ?`
				queryArgs = append(queryArgs, tailType)
			}
			query += ` ORDER BY id DESC LIMIT ?`
			queryArgs = append(queryArgs, tailLimit)

			rows, err := auditDB.Query(query, queryArgs...)
			if err != nil {
				return fmt.Errorf("querying audit log: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var ts, eventType, severity, ip, detail string
				if err := rows.Scan(&ts, &eventType, &severity, &ip, &detail); err != nil {
					return fmt.Errorf("scanning audit row: %w", err)
				}
				fmt.Printf("%s  %-26s  %-8s  %-15s  %s\n", ts, eventType, severity, ip, detail)
			}
			return rows.Err()
		},
	}
	tailCmd.Flags().StringVar(&tailType, "type", "", "filter by event type")
	tailCmd.Flags().IntVar(&tailLimit, "limit", 20, "max events to print")

	auditCmd.AddCommand(verifyCmd, tailCmd)
	root.AddCommand(auditCmd)
}
