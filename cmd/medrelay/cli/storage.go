package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrelay-project/medrelay/internal/core"
)

// RegisterStorageCommands adds the storage command group to the root.
func RegisterStorageCommands(root *cobra.Command) {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect per-role staging and terminal processed data",
	}

	var listRole string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a role's staged items, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			items, err := eng.RelayB.GetPersonalStorage(core.Role(listRole))
			if err != nil {
				return err
			}
			for _, item := range items {
				assigned := "-"
				if item.AssignedTo != "" {
					assigned = item.AssignedTo
				}
				fmt.Printf("%s  %-36s  %-20s  %-22s  assigned:%s\n",
					item.Timestamp.Format(time.RFC3339), item.ID, item.Type, item.Workflow, assigned)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listRole, "role", "", "role whose storage to list")
	listCmd.MarkFlagRequired("role")

	var showRole, showID string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print one staged item",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			item, err := eng.Storage.Get(core.Role(showRole), showID)
			if err != nil {
				return err
			}
			fmt.Printf("id:        %s\n", item.ID)
			fmt.Printf("type:      %s\n", item.Type)
			fmt.Printf("source:    %s\n", item.Source)
			fmt.Printf("workflow:  %s\n", item.Workflow)
			fmt.Printf("timestamp: %s\n", item.Timestamp.Format(time.RFC3339))
			if item.Notes != "" {
				fmt.Printf("notes:     %s\n", item.Notes)
			}
			fmt.Printf("payload:   %s\n", item.Payload)
			return nil
		},
	}
	showCmd.Flags().StringVar(&showRole, "role", "", "role whose storage holds the item")
	showCmd.Flags().StringVar(&showID, "id", "", "item id")
	showCmd.MarkFlagRequired("role")
	showCmd.MarkFlagRequired("id")

	var filterStatus string
	processedCmd := &cobra.Command{
		Use:   "processed",
		Short: "List terminal processed-data records",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			records, err := eng.Workflow.ProcessedData(core.ProcessedDataStatus(filterStatus))
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Printf("%s  %-36s  %-20s  %-10s  %s\n",
					rec.ReceivedAt.Format(time.RFC3339), rec.ID, rec.Type, rec.Status, rec.Source)
			}
			return nil
		},
	}
	processedCmd.Flags().StringVar(&filterStatus, "status", "", "filter by status (pending, active, archived)")

	var markID, markStatus string
	markCmd := &cobra.Command{
		Use:   "mark",
		Short: "Update a processed-data record's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.Workflow.UpdateProcessedStatus(markID, core.ProcessedDataStatus(markStatus)); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", markID, markStatus)
			return nil
		},
	}
	markCmd.Flags().StringVar(&markID, "id", "", "processed record id")
	markCmd.Flags().StringVar(&markStatus, "status", "", "new status")
	markCmd.MarkFlagRequired("id")
	markCmd.MarkFlagRequired("status")

	storageCmd.AddCommand(listCmd, showCmd, processedCmd, markCmd)
	root.AddCommand(storageCmd)
}
