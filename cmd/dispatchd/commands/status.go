package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/brighthome/dispatch/booking"
	"github.com/brighthome/dispatch/employee"
)

// StatusCmd prints live job and cleaner counts
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live job and cleaner counts",
	RunE:  runStatus,
}

var statusDBPath string

func init() {
	StatusCmd.Flags().StringVar(&statusDBPath, "db", "", "Database path (overrides config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(statusDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	bookings := booking.NewStore(database)
	jobCounts, err := bookings.CountByStatus(ctx)
	if err != nil {
		return err
	}

	jobRows := pterm.TableData{{"Status", "Jobs"}}
	for _, status := range booking.AllStatuses {
		if count := jobCounts[status]; count > 0 {
			jobRows = append(jobRows, []string{string(status), strconv.Itoa(count)})
		}
	}
	pterm.DefaultSection.Println("Jobs")
	if err := pterm.DefaultTable.WithHasHeader().WithData(jobRows).Render(); err != nil {
		return err
	}

	employees := employee.NewStore(database)
	active, err := employees.ListActive(ctx)
	if err != nil {
		return err
	}
	cleanerCounts := map[employee.OperationalStatus]int{}
	for _, e := range active {
		cleanerCounts[e.OperationalStatus]++
	}

	cleanerRows := pterm.TableData{{"Status", "Cleaners"}}
	for _, status := range []employee.OperationalStatus{
		employee.StatusAvailable,
		employee.StatusBusy,
		employee.StatusCoolingDown,
		employee.StatusOffline,
	} {
		cleanerRows = append(cleanerRows, []string{string(status), strconv.Itoa(cleanerCounts[status])})
	}
	pterm.DefaultSection.Println("Cleaners")
	return pterm.DefaultTable.WithHasHeader().WithData(cleanerRows).Render()
}
