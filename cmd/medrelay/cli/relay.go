package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrelay-project/medrelay/internal/core"
)

// sendWithBackoff retries a relay send with bounded exponential backoff.
// Authentication failures are never retried.
func sendWithBackoff(attempts int, send func() error) error {
	var err error
	backoff := 500 * time.Millisecond
	for i := 0; i < attempts; i++ {
		err = send()
		if err == nil || core.IsAuthenticationError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// RegisterRelayCommands adds the relay command group to the root.
func RegisterRelayCommands(root *cobra.Command) {
	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Send payloads between servers and roles",
	}

	var sendTarget, sendType, sendFile string
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Relay an encrypted payload to a peer server (Protocol A)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			payload, err := readJSONFile(sendFile)
			if err != nil {
				return err
			}

			return sendWithBackoff(3, func() error {
				ctx, cancel := context.WithTimeout(context.Background(), eng.Config.RelayTimeout())
				defer cancel()

				resp, err := eng.RelayA.Send(ctx, sendTarget, payload, sendType)
				if err != nil {
					return err
				}
				fmt.Printf("delivered to %s: %s\n", sendTarget, resp.ID)
				return nil
			})
		},
	}
	sendCmd.Flags().StringVar(&sendTarget, "target", "", "target server id")
	sendCmd.Flags().StringVar(&sendType, "type", "medical-reports", "payload type")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "JSON payload file")
	sendCmd.MarkFlagRequired("target")
	sendCmd.MarkFlagRequired("file")

	listCmd := &cobra.Command{
		Use:   "received",
		Short: "List received Protocol A records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			records, err := eng.RelayA.ListReceived()
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%s  %-20s  %-12s  %s\n",
					rec.Timestamp.Format(time.RFC3339), rec.Type, rec.Source, rec.Filename)
			}
			return nil
		},
	}

	var toRole, fromRole, roleType, roleFile, priority string
	roleSendCmd := &cobra.Command{
		Use:   "role-send",
		Short: "Relay a payload to a role endpoint (Protocol B)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			payload, err := readJSONFile(roleFile)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), eng.Config.RelayTimeout())
			defer cancel()

			item, err := eng.RelayB.SendToRole(ctx, payload, core.Role(fromRole), core.Role(toRole), roleType, priority)
			if err != nil {
				return err
			}
			fmt.Printf("staged %s at %s (%s)\n", item.ID, toRole, item.Workflow)
			return nil
		},
	}
	roleSendCmd.Flags().StringVar(&fromRole, "from", "", "sending role")
	roleSendCmd.Flags().StringVar(&toRole, "to", "", "receiving role")
	roleSendCmd.Flags().StringVar(&roleType, "type", "medical-reports", "payload type")
	roleSendCmd.Flags().StringVar(&roleFile, "file", "", "JSON payload file")
	roleSendCmd.Flags().StringVar(&priority, "priority", "normal", "item priority")
	roleSendCmd.MarkFlagRequired("from")
	roleSendCmd.MarkFlagRequired("to")
	roleSendCmd.MarkFlagRequired("file")

	var assignFrom, assignTo, assignID, assignNotes string
	assignCmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a staged item to the next role in the chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := context.WithTimeout(context.Background(), eng.Config.RelayTimeout())
			defer cancel()

			item, err := eng.RelayB.Assign(ctx, core.Role(assignFrom), core.Role(assignTo), assignID, assignNotes)
			if err != nil {
				return err
			}
			fmt.Printf("assigned %s -> %s (%s)\n", assignID, assignTo, item.Workflow)
			return nil
		},
	}
	assignCmd.Flags().StringVar(&assignFrom, "from", "", "current role")
	assignCmd.Flags().StringVar(&assignTo, "to", "", "next role")
	assignCmd.Flags().StringVar(&assignID, "id", "", "staged item id")
	assignCmd.Flags().StringVar(&assignNotes, "notes", "", "assignment notes")
	assignCmd.MarkFlagRequired("from")
	assignCmd.MarkFlagRequired("to")
	assignCmd.MarkFlagRequired("id")

	relayCmd.AddCommand(sendCmd, listCmd, roleSendCmd, assignCmd)
	root.AddCommand(relayCmd)
}

func readJSONFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload file: %w", err)
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload file is not valid JSON: %w", err)
	}
	return payload, nil
}
