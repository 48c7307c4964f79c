package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/cmd/lwpctl/cmds/helphelpers"
	"github.com/go-delve/lwpctl/pkg/config"
	"github.com/go-delve/lwpctl/pkg/logflags"
	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/native"
	"github.com/go-delve/lwpctl/pkg/terminal"
	"github.com/go-delve/lwpctl/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string

	// nonStop selects non-stop mode.
	nonStop bool
	// disableASLR disables address space randomization of started processes.
	disableASLR bool
	// usePty runs the program on a new pseudo terminal.
	usePty bool
	// workingDir is the working directory for running the program.
	workingDir string
	// catchSyscalls are the system calls that stop the program, -1 for all.
	catchSyscalls []int
	// passSignals are delivered to the program without stopping it.
	passSignals []int
	// killOnExit kills the program when the console exits.
	killOnExit bool
	// attachPid is the process traced by the trace subcommand.
	attachPid int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const lwpctlCommandLongDesc = `lwpctl controls Linux processes through ptrace.

It starts or attaches to a process and lets you run it, stop it, step its
threads, set breakpoints and watchpoints, and follow its forks, clones and
exec calls, in all-stop or non-stop mode.

Pass flags to the program you are running using ` + "`--`" + `, for example:

` + "`lwpctl run -- ./server --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	rootCommand = &cobra.Command{
		Use:           "lwpctl",
		Short:         "lwpctl is a process-control tool for Linux.",
		Long:          lwpctlCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable engine logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'lwpctl help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'lwpctl help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, the default is $XDG_CONFIG_HOME/lwpctl/config.yml.")

	rootCommand.PersistentFlags().BoolVar(&nonStop, "non-stop", false, "Stop only the thread that reported an event.")
	rootCommand.PersistentFlags().BoolVar(&disableASLR, "disable-aslr", false, "Disables address space randomization.")
	rootCommand.PersistentFlags().BoolVar(&usePty, "pty", false, "Runs the program on a new pseudo terminal.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().IntSliceVar(&catchSyscalls, "catch-syscall", nil, "Stops at entry and return of the given system call numbers, -1 catches every system call.")
	rootCommand.PersistentFlags().IntSliceVar(&passSignals, "pass", nil, "Signals delivered to the program without stopping it.")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run [./path/to/binary] [-- args]",
		Short: "Start a program and begin a session.",
		Long: `Start a program stopped at its first instruction and open the
console.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCmd,
	}
	runCommand.Flags().BoolVar(&killOnExit, "kill-on-exit", true, "Kill the program when the console exits.")
	rootCommand.AddCommand(runCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin a session.",
		Long: `Attach to an already running process and begin a session.

Every thread of the process is stopped. When exiting the session you will
have the option to let the process continue or kill it.
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		RunE: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace [./path/to/binary] [-- args]",
		Short: "Run a program printing every event until it exits.",
		Long: `Run a program printing every event until it exits.

Breakpoints can not be set in this mode, use --catch-syscall to see system
calls and --log to see what the engine does.`,
		RunE: traceCmd,
	}
	traceCommand.Flags().IntVarP(&attachPid, "pid", "p", 0, "Trace a running process instead of starting one.")
	rootCommand.AddCommand(traceCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lwpctl\n%s\n", version.LwpctlVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	engine		Log thread lifecycle and resume decisions (default)
	ptrace		Log every ptrace request
	wait		Log every status collected from the kernel
	stepover	Log the step over protocol
	all		All of the above

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if !docCall {
			helphelpers.Prepare(cmd)
		}
		defaultHelp(cmd, args)
	})
	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func runCmd(cmd *cobra.Command, args []string) error {
	return withEngine(func(e *native.Engine, conf *config.Config) error {
		opts := native.CreateOptions{
			Dir:         workingDir,
			DisableASLR: disableASLR,
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			Foreground:  !usePty,
		}
		if usePty {
			ptm, tty, err := pty.Open()
			if err != nil {
				return fmt.Errorf("could not open pseudo terminal: %v", err)
			}
			defer ptm.Close()
			opts.TTY = tty.Name()
			defer tty.Close()
			go io.Copy(os.Stdout, ptm)
		}
		pid, err := e.Create(args, opts)
		if err != nil {
			return err
		}
		if err := setupProcess(e, pid); err != nil {
			e.Kill(pid)
			return err
		}
		term := terminal.New(e, pid, conf)
		term.KillOnExit = killOnExit
		status, err := term.Run()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("exit status %d", status)
		}
		return nil
	})
}

func attachCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid: %s", args[0])
	}
	return withEngine(func(e *native.Engine, conf *config.Config) error {
		if err := e.Attach(pid); err != nil {
			return err
		}
		if err := setupProcess(e, pid); err != nil {
			e.Detach(pid)
			return err
		}
		term := terminal.New(e, pid, conf)
		_, err := term.Run()
		return err
	})
}

func traceCmd(cmd *cobra.Command, args []string) error {
	if attachPid <= 0 && len(args) == 0 {
		return errors.New("you must provide a program or a PID")
	}
	return withEngine(func(e *native.Engine, conf *config.Config) error {
		pid := attachPid
		if pid > 0 {
			if err := e.Attach(pid); err != nil {
				return err
			}
		} else {
			var err error
			pid, err = e.Create(args, native.CreateOptions{
				Dir:         workingDir,
				DisableASLR: disableASLR,
				Stdin:       os.Stdin,
				Stdout:      os.Stdout,
				Stderr:      os.Stderr,
			})
			if err != nil {
				return err
			}
		}
		if err := setupProcess(e, pid); err != nil {
			e.Kill(pid)
			return err
		}

		// SIGINT detaches from an attached process and kills a started
		// one.
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, sys.SIGINT)
		defer signal.Stop(interrupt)

		return traceEvents(e, os.Stdout, interrupt, func() error {
			if attachPid > 0 {
				return e.Detach(pid)
			}
			return e.Kill(pid)
		})
	})
}

// tracer is the part of the engine used by traceEvents.
type tracer interface {
	Resume(reqs []proc.ResumeRequest) error
	Wait(filter proc.PTID, opts native.WaitOptions) (proc.Event, error)
	Processes() []int
	Mourn(pid int)
}

// traceEvents resumes every thread after each event and prints the event,
// until every process is gone or interrupt fires.
func traceEvents(e tracer, out io.Writer, interrupt <-chan os.Signal, quit func() error) error {
	for len(e.Processes()) > 0 {
		select {
		case <-interrupt:
			return quit()
		default:
		}
		ev, err := e.Wait(proc.AnyThread, native.WaitOptions{})
		if err != nil {
			return err
		}
		if ev.Kind != proc.EventNoResumed {
			fmt.Fprintln(out, ev)
		}
		if ev.ProcessGone() {
			e.Mourn(ev.Thread.Pid)
			continue
		}
		req := proc.ResumeRequest{Thread: proc.AnyThread, Kind: proc.ResumeContinue}
		if ev.Kind == proc.EventStopped && ev.Sig != 0 && ev.Sig != int(sys.SIGTRAP) && ev.Sig != int(sys.SIGSTOP) {
			// Deliver the signal that stopped the thread.
			if err := e.Resume([]proc.ResumeRequest{{Thread: ev.Thread, Kind: proc.ResumeContinue, Sig: ev.Sig}, req}); err != nil {
				return err
			}
			continue
		}
		if err := e.Resume([]proc.ResumeRequest{req}); err != nil {
			return err
		}
	}
	return nil
}

// withEngine loads the configuration, sets up logging and runs fn with a
// new engine.
func withEngine(fn func(*native.Engine, *config.Config) error) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	logstr := logOutput
	if logstr == "" && log {
		logstr = conf.LogOutput
	}
	if err := logflags.Setup(log, logstr, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	cfg, err := native.ConfigFromFile(conf)
	if err != nil {
		return err
	}
	if nonStop {
		cfg.NonStop = true
	}
	if disableASLR {
		cfg.DisableASLR = true
	}
	if len(passSignals) > 0 {
		cfg.PassSignals = append(cfg.PassSignals, passSignals...)
	}

	e, err := native.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e, conf)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfigFile(configPath)
	}
	conf, err := config.LoadConfig()
	if err != nil {
		// A broken configuration directory is not fatal.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return &config.Config{}, nil
	}
	return conf, nil
}

// setupProcess applies the per process flags.
func setupProcess(e *native.Engine, pid int) error {
	if len(catchSyscalls) == 0 {
		return nil
	}
	all := false
	nums := make([]int, 0, len(catchSyscalls))
	for _, nr := range catchSyscalls {
		if nr < 0 {
			all = true
			continue
		}
		nums = append(nums, nr)
	}
	return e.SetCatchSyscalls(pid, nums, all)
}
