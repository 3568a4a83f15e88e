package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/systemd_shim/libshim/cgroups/cgmanager"
	"github.com/systemd_shim/libshim/configs"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "unknown"
	gitCommit = ""
)

const usage = `stand-in for systemd's org.freedesktop.systemd1 D-Bus API

systemd-shim lets logind create and tear down user slices and session
scopes on systems where systemd is not the init system. The cgroups
themselves are managed by cgmanager.`

func main() {
	app := cli.NewApp()
	app.Name = "systemd-shim"
	app.Usage = usage

	v := []string{version}

	if gitCommit != "" {
		v = append(v, "commit: "+gitCommit)
	}
	v = append(v, fmt.Sprintf("cgmanager api: >= %d", cgmanager.MinAPIVersion))
	v = append(v, "go: "+runtime.Version())
	app.Version = strings.Join(v, "\n")

	defaults := configs.Default()
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "set the log file to write logs to (default is '/dev/stderr')",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "set the log format ('text' (default), or 'json')",
		},
		cli.StringFlag{
			Name:  "config",
			Value: "/etc/systemd-shim.yaml",
			Usage: "configuration file, ignored if it does not exist",
		},
		cli.StringFlag{
			Name:  "backend-address",
			Value: defaults.BackendAddress,
			Usage: "D-Bus address of the cgmanager socket",
		},
		cli.StringFlag{
			Name:  "state-dir",
			Value: defaults.StateDir,
			Usage: "directory for scope state (this should be located in tmpfs)",
		},
		cli.StringFlag{
			Name:  "scope-root",
			Value: defaults.ScopeRoot,
			Usage: "cgroup below which session scopes are searched when stopping units",
		},
		cli.IntFlag{
			Name:  "stop-attempts",
			Value: defaults.StopAttempts,
			Usage: "number of search-and-kill passes when stopping a unit",
		},
		cli.StringFlag{
			Name:  "user-hierarchy",
			Value: string(defaults.UserHierarchy),
			Usage: "layout of user cgroups ('slice' (default), or 'legacy')",
		},
		cli.BoolFlag{
			Name:  "force",
			Usage: "start even if systemd is running",
		},
	}
	app.Before = func(context *cli.Context) error {
		return configLogrus(context)
	}
	app.Action = run
	// If the command returns an error, cli takes upon itself to print
	// the error on cli.ErrWriter and exit.
	// Use our own writer here to ensure the log gets sent to the right location.
	cli.ErrWriter = &FatalWriter{cli.ErrWriter}
	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

type FatalWriter struct {
	cliErrWriter io.Writer
}

func (f *FatalWriter) Write(p []byte) (n int, err error) {
	logrus.Error(string(p))
	if !logrusToStderr() {
		return f.cliErrWriter.Write(p)
	}
	return len(p), nil
}

func configLogrus(context *cli.Context) error {
	if context.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.SetReportCaller(true)
		// Shorten function and file names reported by the logger, by
		// trimming the module prefix.
		// This is only done for text formatter.
		_, file, _, _ := runtime.Caller(0)
		prefix := filepath.Dir(file) + "/"
		logrus.SetFormatter(&logrus.TextFormatter{
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				function := strings.TrimPrefix(f.Function, prefix) + "()"
				fileLine := strings.TrimPrefix(f.File, prefix) + ":" + strconv.Itoa(f.Line)
				return function, fileLine
			},
		})
	}

	switch f := context.GlobalString("log-format"); f {
	case "":
		// do nothing
	case "text":
		// do nothing
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	default:
		return errors.New("invalid log-format: " + f)
	}

	if file := context.GlobalString("log"); file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0o644)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	}

	return nil
}
