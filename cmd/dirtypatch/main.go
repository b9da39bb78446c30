package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kstenerud/go-dirtypatch"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath string
	device     string
	force      bool
	verbose    bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "dirtypatch",
		Short:         "Patch read-only libraries through the page cache and restore them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if opts.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "dirtypatch.json", "Path to the patch configuration")
	rootCmd.PersistentFlags().StringVarP(&opts.device, "device", "d", os.Getenv("DIRTYPATCH_DEVICE"), "Device identity used to pick a profile")
	rootCmd.PersistentFlags().BoolVarP(&opts.force, "force", "f", false, "Ignore the device identity and use the default profile")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Install the patch, fire the trigger, wait for a signal, restore",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(opts)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Build the plan and back up the targets without changing anything",
			RunE: func(cmd *cobra.Command, args []string) error {
				return check(opts)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		color.Red("dirtypatch: %v", err)
		if errors.Is(err, dirtypatch.ErrRestoreFailed) {
			color.New(color.FgRed, color.Bold).Println("RESTORE FAILED: the target libraries may still be patched. Reboot to drop the page cache.")
		}
		os.Exit(1)
	}
}

// newSession loads the configuration and builds a session. A dry run reads
// the run index without advancing it.
func newSession(opts options, overwriter dirtypatch.Overwriter, dryRun bool) (*dirtypatch.Session, *dirtypatch.Config, error) {
	cfg, err := dirtypatch.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.force {
		color.Yellow("Ignoring device identity.")
	} else {
		fmt.Printf("Device: %v\n", opts.device)
	}
	profile, err := cfg.Profile(opts.device, opts.force)
	if err != nil {
		return nil, nil, err
	}
	sc, err := cfg.SessionConfig(profile)
	if err != nil {
		return nil, nil, err
	}

	log := logrus.StandardLogger()
	baseDir := dirtypatch.BaseDir(log)
	fmt.Printf("Base dir: %v\n", baseDir)

	sc.Vars = map[string]string{"BASE_DIR": baseDir}
	counter := dirtypatch.NewFileCounter(baseDir)
	counter.Log = log
	if dryRun {
		sc.Counter = dirtypatch.FixedCounter(counter.Peek())
	} else {
		sc.Counter = counter
	}
	sc.Overwriter = overwriter
	sc.Log = log

	session, err := dirtypatch.NewSession(sc)
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("Run index: %v\n", session.RunIndex())
	if name := session.ScratchName(); name != "" {
		fmt.Printf("Scratch file: %v\n", name)
	}
	return session, cfg, nil
}

func run(opts options) error {
	channel, err := dirtypatch.NewPipeChannel()
	if err != nil {
		return err
	}
	defer channel.Close()

	session, cfg, err := newSession(opts, dirtypatch.NewPageOverwriter(channel, logrus.StandardLogger()), false)
	if err != nil {
		return err
	}
	defer session.Close()

	events, stop := dirtypatch.SignalEvents()
	defer stop()

	color.Green("Installing. Send SIGUSR1 when done, or SIGTERM/SIGINT/SIGHUP to abort; both restore the targets.")
	if err = session.Run(dirtypatch.CommandTrigger(cfg.Trigger), events); err != nil {
		return err
	}
	color.Green("Restored.")
	return nil
}

// planOnly refuses to write; check never gets past Backup.
type planOnly struct{}

func (planOnly) Overwrite(f *os.File, offset int64, data []byte) error {
	return errors.Wrap(dirtypatch.ErrState, "check does not write")
}

func check(opts options) error {
	session, _, err := newSession(opts, planOnly{}, true)
	if err != nil {
		return err
	}
	defer session.Close()

	if err = session.Backup(); err != nil {
		return err
	}
	plan := session.Plan()
	for i, r := range plan.Requests {
		fmt.Printf("%3d  %-10v %v @ %#x  %d bytes\n", i+1, r.Region, r.Path, r.Offset, len(r.Data))
	}
	fmt.Printf("hook: %08x  %v\n", plan.Hook.BranchIn, dirtypatch.Disassemble(plan.Hook.BranchIn))
	fmt.Printf("back: %08x  %v\n", plan.Hook.BranchBack, dirtypatch.Disassemble(plan.Hook.BranchBack))
	color.Green("Plan OK, %d regions backed up.", session.Journal().Len())
	return nil
}
