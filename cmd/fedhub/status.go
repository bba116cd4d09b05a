package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fedhub/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	bgLightColor = lipgloss.Color("#44475A") // Current Line
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

type overviewEntry struct {
	Registration types.SpokeRegistration `json:"registration"`
	Sync         types.SpokeSyncStatus   `json:"sync"`
}

func statusCmd() *cobra.Command {
	var hubAddress string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show federation status",
		Long:  `Query the hub and render every registered spoke with its lifecycle and sync state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := hubAddress
			if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
				base = "http://" + base
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(strings.TrimSuffix(base, "/") + "/api/federation/spokes")
			if err != nil {
				return fmt.Errorf("failed to reach hub at %s: %w", hubAddress, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("hub returned status %d", resp.StatusCode)
			}

			var payload struct {
				Spokes []overviewEntry `json:"spokes"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("failed to decode status response: %w", err)
			}

			renderStatus(hubAddress, payload.Spokes)
			return nil
		},
	}

	cmd.Flags().StringVar(&hubAddress, "hub", "localhost:8443", "hub API address")
	return cmd
}

func renderStatus(hubAddress string, entries []overviewEntry) {
	fmt.Println(titleStyle.Render("FEDERATION STATUS"))

	counts := make(map[types.SpokeStatus]int)
	for _, e := range entries {
		counts[e.Registration.Status]++
	}

	summary := []struct {
		label string
		value string
	}{
		{"Hub", hubAddress},
		{"Registered", fmt.Sprintf("%d", len(entries))},
		{"Approved", fmt.Sprintf("%d", counts[types.SpokeApproved])},
		{"Pending", fmt.Sprintf("%d", counts[types.SpokePending])},
		{"Suspended", fmt.Sprintf("%d", counts[types.SpokeSuspended])},
		{"Revoked", fmt.Sprintf("%d", counts[types.SpokeRevoked])},
	}
	for _, m := range summary {
		fmt.Printf("%s %s\n", labelStyle.Render(m.label+":"), valueStyle.Render(m.value))
	}
	fmt.Println()

	if len(entries) == 0 {
		fmt.Println(labelStyle.Render("No spokes registered."))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("CODE", "NAME", "STATUS", "TRUST", "SYNC", "VERSION", "PENDING", "LAST SYNC")

	for _, e := range entries {
		reg := e.Registration
		sync := e.Sync

		lastSync := "never"
		if !sync.LastSyncTime.IsZero() {
			lastSync = formatAge(time.Since(sync.LastSyncTime))
		}

		version := sync.CurrentVersion
		if version == "" {
			version = "-"
		}

		t.Row(
			string(reg.InstanceCode),
			reg.Name,
			renderLifecycle(reg.Status),
			string(reg.TrustLevel),
			renderSyncState(sync.State),
			version,
			fmt.Sprintf("%d", sync.PendingUpdates),
			lastSync,
		)
	}

	fmt.Println(t.Render())
}

func renderLifecycle(status types.SpokeStatus) string {
	switch status {
	case types.SpokeApproved:
		return lipgloss.NewStyle().Foreground(accentColor).Render("🟢 approved")
	case types.SpokePending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("🟡 pending")
	case types.SpokeSuspended:
		return lipgloss.NewStyle().Foreground(warningColor).Render("🟠 suspended")
	case types.SpokeRevoked:
		return lipgloss.NewStyle().Foreground(dangerColor).Render("🔴 revoked")
	default:
		return string(status)
	}
}

func renderSyncState(state types.SyncState) string {
	switch state {
	case types.SyncCurrent:
		return lipgloss.NewStyle().Foreground(accentColor).Render("current")
	case types.SyncBehind:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("behind")
	case types.SyncStale:
		return lipgloss.NewStyle().Foreground(warningColor).Render("stale")
	case types.SyncCriticalStale:
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true).Render("critical_stale")
	case types.SyncOffline:
		return lipgloss.NewStyle().Foreground(dangerColor).Render("offline")
	default:
		return string(state)
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
