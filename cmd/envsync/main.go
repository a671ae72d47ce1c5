package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"envsync/internal/app"
	"envsync/internal/config"
	"envsync/internal/envfile"
	"envsync/internal/launchenv"
)

var (
	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagHistoryN       int
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "",
		"config file to load; default is $"+config.EnvPath+" or "+config.DefaultPath())
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	historyCmd.Flags().IntVarP(&flagHistoryN, "number", "n", 20, "number of runs to show; 0 shows all")

	// errors are printed once, below
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(pushCmd, watchCmd, showCmd, doctorCmd, historyCmd, checkCmd, versionCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "envsync:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "envsync",
	Short:        "Propagate environment variables to the launchers of a desktop session",
	SilenceUsage: true,
}

var pushCmd = &cobra.Command{
	Use:   "push [NAME=VALUE...]",
	Short: "push the configured environment, plus any assignments given, once",
	RunE:  doPush,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "keep the session in sync; SIGHUP forces a resync",
	Args:  cobra.NoArgs,
	RunE:  doWatch,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "print the environment of the systemd user manager",
	Args:  cobra.NoArgs,
	RunE:  doShow,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "check which receivers are present on the session bus",
	Args:  cobra.NoArgs,
	RunE:  doDoctor,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

var checkCmd = &cobra.Command{
	Use:   "check NAME=VALUE...",
	Short: "report how each assignment would be treated, without sending anything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("envsync: version info not available")
			return
		}
		fmt.Printf("envsync: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
	},
}

func newApp() (*app.App, error) {
	return app.New(app.Options{ConfigPath: flagConfigFilePath, Verbose: flagVerbose})
}

func doPush(cmd *cobra.Command, args []string) error {
	extra, err := envfile.ParseAssignments(args)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.Push(cmd.Context(), extra)
	if err != nil {
		return err
	}
	printReport(cmd, rep)
	return nil
}

func printReport(cmd *cobra.Command, rep launchenv.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s: %d vars, %d requests, %d failed in %s\n",
		rep.ID, rep.Vars, rep.Dispatched, rep.Failed, rep.Took().Round(time.Millisecond))
	if len(rep.SkippedNames) > 0 {
		fmt.Fprintf(out, "skipped (invalid name): %s\n", strings.Join(rep.SkippedNames, ", "))
	}
	if len(rep.NonStrict) > 0 {
		fmt.Fprintf(out, "not sent to systemd: %s\n", strings.Join(rep.NonStrict, ", "))
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "failed: %v\n", e)
	}
}

func doWatch(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(cmd.Context())
}

func doShow(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	conn, err := a.Connect(cmd.Context())
	if err != nil {
		return err
	}
	env, err := conn.ManagerEnvironment(cmd.Context())
	if err != nil {
		return err
	}
	for _, kv := range env {
		fmt.Fprintln(cmd.OutOrStdout(), kv)
	}
	return nil
}

func doDoctor(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	conn, err := a.Connect(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range a.Config().Receivers.Resolve().All() {
		if r.Disabled {
			fmt.Fprintf(out, "%-11s disabled\n", r.Name)
			continue
		}
		ok, err := conn.HasOwner(cmd.Context(), r.Destination)
		switch {
		case err != nil:
			fmt.Fprintf(out, "%-11s error    %s: %v\n", r.Name, r.Destination, err)
		case ok:
			fmt.Fprintf(out, "%-11s present  %s\n", r.Name, r.Destination)
		default:
			fmt.Fprintf(out, "%-11s missing  %s\n", r.Name, r.Destination)
		}
	}
	return nil
}

func doHistory(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.Store()
	if st == nil {
		return fmt.Errorf("history is disabled (history.driver=none)")
	}
	runs, err := st.RecentRuns(cmd.Context(), flagHistoryN)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %-7s vars=%d sent=%d failed=%d took=%dms",
			r.At.Local().Format(time.DateTime), r.Trigger, r.Vars, r.Dispatched, r.Failed, r.TookMS)
		if r.Error != "" {
			fmt.Fprintf(out, "  err=%q", r.Error)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func doCheck(cmd *cobra.Command, args []string) error {
	vars, err := envfile.ParseAssignments(args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, name := range launchenv.NewSnapshot(vars).Names() {
		value := vars[name]
		switch {
		case !launchenv.IsValidIdentifier(name):
			fmt.Fprintf(out, "%s: skipped, invalid name\n", name)
		case !launchenv.IsStrictlyTransmissibleValue(value):
			fmt.Fprintf(out, "%s: sent to all receivers except systemd\n", name)
		default:
			fmt.Fprintf(out, "%s: sent to all receivers\n", name)
		}
	}
	return nil
}
