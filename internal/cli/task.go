package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custody/internal/config"
	"custody/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage transport tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a transport task for a courier",
	Long: `Schedule a transport task.

Tasks are normally created by the scheduling process; this command is the
same hook for operators and tests. Times are RFC3339.`,
	RunE: runTaskCreate,
}

func init() {
	f := taskCreateCmd.Flags()
	f.String("id", "", "task id (default: generated)")
	f.String("courier", "", "assigned courier id")
	f.String("start", "", "window start, RFC3339")
	f.String("end", "", "window end, RFC3339")
	f.Int("travel-minutes", 0, "expected PICKUP to ARRIVAL travel time")
	f.String("shift", "", "MORNING or AFTERNOON for a double-shift task")
	f.String("pack", "", "sealed pack code")
	_ = taskCreateCmd.MarkFlagRequired("courier")
	_ = taskCreateCmd.MarkFlagRequired("start")
	_ = taskCreateCmd.MarkFlagRequired("end")

	taskCmd.AddCommand(taskCreateCmd)
}

func runTaskCreate(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	id, _ := f.GetString("id")
	courier, _ := f.GetString("courier")
	startRaw, _ := f.GetString("start")
	endRaw, _ := f.GetString("end")
	travel, _ := f.GetInt("travel-minutes")
	shift, _ := f.GetString("shift")
	pack, _ := f.GetString("pack")

	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}

	task := models.Task{
		ID:                    id,
		AssignedCourierID:     courier,
		StartTime:             start,
		EndTime:               end,
		ExpectedTravelMinutes: travel,
		SealedPackCode:        pack,
	}
	if shift = strings.ToUpper(strings.TrimSpace(shift)); shift != "" {
		task.IsDoubleShift = true
		task.ShiftType = models.ShiftType(shift)
	}

	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	store, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	created, err := store.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(created)
}
