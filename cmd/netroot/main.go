package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	logrusr "github.com/bombsimon/logrusr/v2"
	log_prefixed "github.com/chappjc/logrus-prefix"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var version = "(devel)"

const (
	logFormatLogrus = "logrus"
	logFormatStd    = "std"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()

	var (
		logFormat string
		verbose   bool
		l         = logr.Discard()
	)
	app := &cli.App{
		Name:                 "netroot",
		Usage:                "resolve and serve network boot root paths",
		Version:              version,
		Suggest:              true,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format, one of: logrus, std",
				Value:       logFormatLogrus,
				EnvVars:     []string{"NETROOT_LOG_FORMAT"},
				Destination: &logFormat,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "verbose output (includes debug)",
				EnvVars:     []string{"NETROOT_VERBOSE"},
				Destination: &verbose,
			},
		},
		Before: func(_ *cli.Context) error {
			var err error
			l, err = newLogger(logFormat, verbose)
			return err
		},
		Commands: []*cli.Command{
			resolveCommand(&l),
			parseCommand(&l),
			devicesCommand(&l),
			serveCommand(&l),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		l.Error(err, "failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(format string, verbose bool) (logr.Logger, error) {
	switch format {
	case logFormatStd:
		if verbose {
			stdr.SetVerbosity(1)
		}
		return stdr.NewWithOptions(log.New(os.Stderr, "", log.LstdFlags), stdr.Options{LogCaller: stdr.All}), nil
	case logFormatLogrus, "":
		logrusLog := logrus.New()
		logrusLog.SetFormatter(&log_prefixed.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		if verbose {
			logrusLog.SetLevel(logrus.DebugLevel)
		}
		return logrusr.New(logrusLog), nil
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q", format)
	}
}
