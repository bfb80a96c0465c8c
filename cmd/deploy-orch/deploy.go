package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/deploy-orchestrator/internal/domain"
	"github.com/hochfrequenz/deploy-orchestrator/internal/logchannel"
	"github.com/hochfrequenz/deploy-orchestrator/internal/store"
	"github.com/hochfrequenz/deploy-orchestrator/tui"
)

var (
	deployApps     []string
	deployMachines []string
	deployFollow   bool
	runsLimit      int
	watchServer    string
)

func init() {
	// deploy command
	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Install applications on machines and wait for the result",
		Long: `Deploy runs every application on every machine in this process.
Applications and machines may be given by id or by name/hostname.
Pairs whose os types differ are skipped.`,
		RunE: runDeploy,
	}
	deployCmd.Flags().StringSliceVar(&deployApps, "app", nil, "application id or name (repeatable)")
	deployCmd.Flags().StringSliceVar(&deployMachines, "machine", nil, "machine id or hostname (repeatable)")
	deployCmd.Flags().BoolVarP(&deployFollow, "follow", "f", false, "print the live log")
	deployCmd.MarkFlagRequired("app")
	deployCmd.MarkFlagRequired("machine")
	rootCmd.AddCommand(deployCmd)

	// runs commands
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect deployment runs",
	}
	runsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runRunsList,
	}
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to show")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	})
	rootCmd.AddCommand(runsCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch RUN_ID",
		Short: "Follow a run on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchServer, "server", "", "server url (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	hub := logchannel.NewHub(4096)
	defer hub.Close()
	orch, err := a.orchestrator(hub)
	if err != nil {
		return err
	}

	run, err := orch.Submit(ctx,
		a.resolveApplications(ctx, deployApps),
		a.resolveMachines(ctx, deployMachines))
	if err != nil {
		return err
	}
	fmt.Printf("Run %s\n", run.ID)

	printed := make(chan struct{})
	if deployFollow {
		sub := hub.Subscribe(run.ID)
		go func() {
			defer close(printed)
			for line := range sub.Lines() {
				fmt.Println(line)
			}
		}()
	} else {
		close(printed)
	}

	runErr := orch.Run(ctx, run.ID)
	hub.CloseRun(run.ID)
	<-printed
	if runErr != nil {
		return runErr
	}

	final, err := a.store.GetRun(cmd.Context(), run.ID)
	if err != nil {
		return err
	}
	if final.Status == domain.RunFailed {
		msg := "deployment failed"
		if final.ErrorMessage != nil {
			msg = *final.ErrorMessage
		}
		return fmt.Errorf("run %s failed: %s", final.ID, msg)
	}
	fmt.Printf("Run %s: %s\n", final.ID, final.Status)
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns(cmd.Context(), store.ListOptions{Limit: runsLimit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tMACHINES\tAPPS\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = truncate(*r.ErrorMessage, 50)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration,
			len(r.Snapshot.MachineIDs), len(r.Snapshot.ApplicationIDs), errMsg)
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:          %s\n", r.ID)
	fmt.Printf("Status:       %s\n", r.Status)
	fmt.Printf("Started:      %s\n", r.StartedAt.Local().Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", r.CompletedAt.Local().Format(time.RFC3339))
	}
	if r.ErrorMessage != nil {
		fmt.Printf("Error:        %s\n", *r.ErrorMessage)
	}
	fmt.Printf("Machines:     %s\n", strings.Join(r.Snapshot.MachineIDs, ", "))
	fmt.Printf("Applications: %s\n", strings.Join(r.Snapshot.ApplicationIDs, ", "))
	fmt.Println()
	fmt.Print(r.Transcript)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	server := watchServer
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server = "http://" + cfg.Web.Addr()
	}

	model := tui.NewModel(cmd.Context(), tui.NewClient(server), args[0])
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
