// Command resqued is a master process supervisor: it owns a single
// rotating listener child, restarts it with backoff after crashes, and
// tracks the worker pids that listener reports over a status pipe.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/resqued/resqued/internal/listenerstub"
	"github.com/resqued/resqued/internal/master"
)

const version = "0.1.0"

func main() {
	switch os.Getenv("RESQUED_ROLE") {
	case "listener":
		os.Exit(runListener())
	case "worker":
		os.Exit(runPlaceholderWorker())
	}
	os.Exit(runMaster())
}

// runPlaceholderWorker is the body of the listener stub's synthetic
// worker: sleep for the millisecond count given as argv[1], then exit.
// It exists only so the listener stub has real child pids to report
// without depending on an external "sleep"-like binary.
func runPlaceholderWorker() int {
	ms := 2000
	if len(os.Args) > 1 {
		if n, err := strconv.Atoi(os.Args[1]); err == nil {
			ms = n
		}
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return 0
}

func runMaster() int {
	var (
		help        bool
		showVersion bool
		pidfilePath string
		logfilePath string
		daemonize   bool
		watchConfig bool
	)

	fs := flag.NewFlagSet("resqued", flag.ContinueOnError)
	fs.BoolVar(&help, "help", false, "print usage and exit 0")
	fs.BoolVar(&help, "h", false, "print usage and exit 0")
	fs.BoolVar(&showVersion, "version", false, "print version and exit 0")
	fs.BoolVar(&showVersion, "v", false, "print version and exit 0")
	fs.StringVar(&pidfilePath, "pidfile", "", "write master pid to PATH; release on exit")
	fs.StringVar(&pidfilePath, "p", "", "write master pid to PATH; release on exit")
	fs.StringVar(&logfilePath, "logfile", "", "redirect log output to PATH instead of standard output")
	fs.StringVar(&logfilePath, "l", "", "redirect log output to PATH instead of standard output")
	fs.BoolVar(&daemonize, "daemonize", false, "write the master pid to the ready pipe on inherited fd 3; does not detach from the controlling terminal")
	fs.BoolVar(&daemonize, "D", false, "write the master pid to the ready pipe on inherited fd 3; does not detach from the controlling terminal")
	fs.BoolVar(&watchConfig, "watch-config", false, "watch config paths and reload on change")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	if help {
		fs.Usage()
		return 0
	}
	if showVersion {
		fmt.Println("resqued", version)
		return 0
	}

	configPaths := master.ConfigPaths(fs.Args())
	if len(configPaths) == 0 {
		fmt.Fprintln(os.Stderr, "resqued: at least one config file is required")
		fs.Usage()
		return 1
	}
	for _, p := range configPaths {
		if _, err := os.Stat(p); err != nil {
			fmt.Fprintf(os.Stderr, "resqued: config path %s: %v\n", p, err)
			return 1
		}
	}

	var logfile *os.File
	if logfilePath != "" {
		f, err := os.OpenFile(logfilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "resqued: failed to open logfile: %v\n", err)
			return 1
		}
		logfile = f
		logrus.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stdout)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	guard, err := master.AcquirePidfile(pidfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resqued: %v\n", err)
		return 1
	}
	defer guard.Release()

	var readyPipe *os.File
	if daemonize {
		readyPipe = os.NewFile(3, "ready-pipe")
	}

	m := master.New(master.Config{
		ConfigPaths: configPaths,
		Spawner:     master.NewReExecSpawner(),
		Status:      master.NewStatusReporter(statusPipeFromEnv()),
		WatchConfig: watchConfig,
		LogfilePath: logfilePath,
		Logfile:     logfile,
	})

	if err := m.Run(readyPipe); err != nil {
		logrus.WithError(err).Error("master exited with error")
		if st, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
			logrus.Errorf("%+v", st.StackTrace())
		}
		return 1
	}
	return 0
}

// statusPipeFromEnv returns the master's own outward-facing status pipe,
// inherited on the fd named by RESQUED_STATUS_FD when a supervisor chose
// to provide one, or nil when that variable is unset or not a number. fd 3
// is reserved for a listener's write end when resqued re-execs itself into
// the listener role.
func statusPipeFromEnv() *os.File {
	if os.Getenv("RESQUED_STATUS_FD") == "" {
		return nil
	}
	n, err := strconv.Atoi(os.Getenv("RESQUED_STATUS_FD"))
	if err != nil {
		return nil
	}
	return os.NewFile(uintptr(n), "status-pipe")
}

// runListener dispatches into the conformance stub when resqued has
// re-exec'd itself with RESQUED_ROLE=listener. The config paths come
// first on the command line, followed by --listener-id and
// --old-workers (see spawner.go): stdlib flag.Parse stops at the first
// non-flag argument, so those trailing flags are pulled out by hand
// instead of handed to a FlagSet.
func runListener() int {
	configPaths, listenerID, oldWorkers := parseListenerArgs(os.Args[1:])
	master.SetProcessTitle(master.ListenerTitle(listenerID))

	statusPipe := os.NewFile(3, "status-pipe")
	if err := listenerstub.Run(listenerstub.Config{
		ConfigPaths: configPaths,
		ListenerID:  listenerID,
		OldWorkers:  oldWorkers,
		StatusPipe:  statusPipe,
	}); err != nil {
		logrus.WithError(err).Error("listener stub exited with error")
		return 1
	}
	return 0
}

func parseListenerArgs(args []string) (configPaths []string, listenerID int, oldWorkers []int) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--listener-id":
			if i+1 < len(args) {
				i++
				listenerID, _ = strconv.Atoi(args[i])
			}
		case "--old-workers":
			if i+1 < len(args) {
				i++
				for _, s := range strings.Split(args[i], ",") {
					if pid, err := strconv.Atoi(s); err == nil {
						oldWorkers = append(oldWorkers, pid)
					}
				}
			}
		default:
			configPaths = append(configPaths, args[i])
		}
	}
	return configPaths, listenerID, oldWorkers
}
