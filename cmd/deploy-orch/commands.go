package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/deploy-orchestrator/internal/catalog"
	"github.com/hochfrequenz/deploy-orchestrator/internal/inventory"
	"github.com/hochfrequenz/deploy-orchestrator/internal/store"
	"github.com/hochfrequenz/deploy-orchestrator/internal/vault"
)

var (
	machineInput     catalog.MachineInput
	machineKeyFile   string
	applicationInput catalog.ApplicationInput
	seedFile         string
)

func init() {
	// keygen command
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a credential encryption key",
		RunE:  runKeygen,
	}
	rootCmd.AddCommand(keygenCmd)

	// machine commands
	machineCmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage target machines",
	}
	machineAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a machine",
		RunE:  runMachineAdd,
	}
	f := machineAddCmd.Flags()
	f.StringVar(&machineInput.Hostname, "hostname", "", "unique hostname")
	f.StringVar(&machineInput.Address, "address", "", "IP address or DNS name")
	f.StringVar(&machineInput.OSKind, "os", "unix", "os type (unix, linux or windows)")
	f.StringVar(&machineInput.Username, "username", "", "login user")
	f.StringVar(&machineInput.Password, "password", "", "login password")
	f.StringVar(&machineKeyFile, "ssh-key-file", "", "private key file for ssh")
	f.IntVar(&machineInput.Port, "port", 0, "port (default 22)")
	machineCmd.AddCommand(machineAddCmd)
	machineCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List machines",
		RunE:  runMachineList,
	})
	machineCmd.AddCommand(&cobra.Command{
		Use:   "remove ID",
		Short: "Remove a machine",
		Args:  cobra.ExactArgs(1),
		RunE:  runMachineRemove,
	})
	rootCmd.AddCommand(machineCmd)

	// app commands
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Manage applications",
	}
	appAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Register an application",
		RunE:  runAppAdd,
	}
	f = appAddCmd.Flags()
	f.StringVar(&applicationInput.Name, "name", "", "unique name")
	f.StringVar(&applicationInput.Version, "version", "", "version label")
	f.StringVar(&applicationInput.OSKind, "os", "unix", "os type (unix, linux or windows)")
	f.StringVar(&applicationInput.InstallCommand, "install-command", "", "command run on the target")
	f.StringVar(&applicationInput.InstallerURL, "installer-url", "", "installer download url")
	f.StringVar(&applicationInput.Description, "description", "", "description")
	f.StringVar(&applicationInput.InstallParameters, "install-parameters", "", "extra installer parameters")
	appCmd.AddCommand(appAddCmd)
	appCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE:  runAppList,
	})
	appCmd.AddCommand(&cobra.Command{
		Use:   "remove ID",
		Short: "Remove an application",
		Args:  cobra.ExactArgs(1),
		RunE:  runAppRemove,
	})
	rootCmd.AddCommand(appCmd)

	// seed command
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Load sample or file inventory into an empty database",
		RunE:  runSeed,
	}
	seedCmd.Flags().StringVar(&seedFile, "file", "", "inventory YAML (default: built-in sample)")
	rootCmd.AddCommand(seedCmd)

	// import command
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create or update machines and applications from an inventory YAML",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	rootCmd.AddCommand(importCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, err := vault.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func runMachineAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	in := machineInput
	if machineKeyFile != "" {
		data, err := os.ReadFile(machineKeyFile)
		if err != nil {
			return err
		}
		in.PrivateKey = string(data)
	}
	if (in.Password != "" || in.PrivateKey != "") && a.vault == nil {
		return a.requireVault()
	}

	m, err := a.catalog().CreateMachine(cmd.Context(), in)
	if err != nil {
		return err
	}
	fmt.Printf("Added machine %s (%s)\n", m.Hostname, m.ID)
	return nil
}

func runMachineList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	machines, err := a.store.ListMachines(cmd.Context(), store.ListOptions{Limit: 1000})
	if err != nil {
		return err
	}
	if len(machines) == 0 {
		fmt.Println("No machines registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tADDRESS\tOS\tUSER\tPORT\tAUTH")
	for _, m := range machines {
		auth := "password"
		if m.HasPrivateKey() {
			auth = "key"
		} else if m.PasswordCipher == "" {
			auth = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			m.ID, m.Hostname, m.Address, m.OSKind, m.Username, m.Port, auth)
	}
	return w.Flush()
}

func runMachineRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteMachine(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed machine %s\n", args[0])
	return nil
}

func runAppAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	app, err := a.catalog().CreateApplication(cmd.Context(), applicationInput)
	if err != nil {
		return err
	}
	fmt.Printf("Added application %s %s (%s)\n", app.Name, app.Version, app.ID)
	return nil
}

func runAppList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	apps, err := a.store.ListApplications(cmd.Context(), store.ListOptions{Limit: 1000})
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Println("No applications registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tOS\tDESCRIPTION")
	for _, app := range apps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			app.ID, app.Name, app.Version, app.OSKind, truncate(app.Description, 40))
	}
	return w.Flush()
}

func runAppRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteApplication(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed application %s\n", args[0])
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireVault(); err != nil {
		return err
	}

	inv := inventory.Sample()
	if seedFile != "" {
		if inv, err = inventory.Load(seedFile); err != nil {
			return err
		}
	}

	seeded, res, err := inventory.Seed(cmd.Context(), inventory.NewImporter(a.catalog(), a.store), a.store, inv)
	if err != nil {
		return err
	}
	if !seeded {
		fmt.Println("Database already has data, nothing seeded")
		return nil
	}
	fmt.Printf("Seeded %d entries\n", len(res.Created))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireVault(); err != nil {
		return err
	}

	inv, err := inventory.Load(args[0])
	if err != nil {
		return err
	}
	res, err := inventory.NewImporter(a.catalog(), a.store).Import(cmd.Context(), inv)
	if res != nil {
		fmt.Printf("Created %d, updated %d\n", len(res.Created), len(res.Updated))
	}
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
