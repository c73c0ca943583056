package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/coredhcp/coredhcp/handler"
	"github.com/ghodss/yaml"
	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot"
	"github.com/jacobweinstock/netroot/backend/file"
	"github.com/jacobweinstock/netroot/bootp"
	"github.com/jacobweinstock/netroot/bootparam"
	"github.com/jacobweinstock/netroot/netif"
	rootpathplugin "github.com/jacobweinstock/netroot/plugins/rootpath"
	"github.com/jacobweinstock/netroot/rarp"
	"github.com/jacobweinstock/netroot/responder"
	"github.com/jacobweinstock/netroot/rootpath"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"inet.af/netaddr"
)

const (
	outputEnv  = "env"
	outputYAML = "yaml"
)

var outputFlag = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Usage:   "output format, one of: env, yaml",
	Value:   outputEnv,
	EnvVars: []string{"NETROOT_OUTPUT"},
}

type resolveConfig struct {
	Interface       string
	Timeout         time.Duration
	Retries         int
	BootparamServer string
	RootPath        string
	Apply           bool
	Output          string
}

func resolveCommand(l *logr.Logger) *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "bring up an interface and resolve its boot parameters",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "interface",
				Aliases:  []string{"i"},
				Usage:    "interface to resolve on",
				EnvVars:  []string{"NETROOT_INTERFACE"},
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "per request timeout of each protocol",
				Value:   5 * time.Second,
				EnvVars: []string{"NETROOT_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    "retries",
				Usage:   "attempts per protocol before falling back",
				Value:   3,
				EnvVars: []string{"NETROOT_RETRIES"},
			},
			&cli.StringFlag{
				Name:    "bootparam-server",
				Usage:   "ask this bootparam server directly instead of broadcasting",
				EnvVars: []string{"NETROOT_BOOTPARAM_SERVER"},
			},
			&cli.StringFlag{
				Name:    "root-path",
				Usage:   "replace the resolved root path",
				EnvVars: []string{"NETROOT_ROOT_PATH"},
			},
			&cli.BoolFlag{
				Name:    "apply",
				Usage:   "configure the interface address, default route and MTU",
				EnvVars: []string{"NETROOT_APPLY"},
			},
			outputFlag,
		},
		Action: func(c *cli.Context) error {
			return resolve(c, *l, resolveConfig{
				Interface:       c.String("interface"),
				Timeout:         c.Duration("timeout"),
				Retries:         c.Int("retries"),
				BootparamServer: c.String("bootparam-server"),
				RootPath:        c.String("root-path"),
				Apply:           c.Bool("apply"),
				Output:          c.String("output"),
			})
		},
	}
}

func resolve(c *cli.Context, l logr.Logger, rc resolveConfig) error {
	var server netaddr.IP
	if rc.BootparamServer != "" {
		ip, err := netaddr.ParseIP(rc.BootparamServer)
		if err != nil {
			return fmt.Errorf("bootparam server: %w", err)
		}
		server = ip
	}
	if rc.Retries < 1 {
		rc.Retries = 1
	}

	env := map[string]string{}
	nif := &netif.Netif{Log: l.WithName("netif")}
	dev := &netroot.NetDevice{
		Log:   l,
		Netif: nif,
		Resolver: &netroot.Resolver{
			Log: l.WithName("resolver"),
			BOOTP: &bootp.Client{
				Log:     l.WithName("bootp"),
				Timeout: rc.Timeout,
				Retries: rc.Retries,
			},
			RARP: &rarp.Client{
				Log:      l.WithName("rarp"),
				Timeout:  rc.Timeout,
				MaxTries: uint(rc.Retries),
			},
			Bootparam: &bootparam.Client{
				Log:      l.WithName("bootparam"),
				Server:   server,
				Timeout:  rc.Timeout,
				MaxTries: uint(rc.Retries),
			},
		},
		Setenv: func(k, v string) error {
			env[k] = v
			return nil
		},
	}
	if err := dev.Init(); err != nil {
		return err
	}
	if err := dev.Open(c.Context, netroot.OpenConfig{Interface: rc.Interface}); err != nil {
		return err
	}
	defer dev.Close()

	if rc.RootPath != "" {
		if err := dev.Override(rc.RootPath); err != nil {
			return err
		}
	}
	if rc.Apply {
		if err := nif.Apply(rc.Interface, dev.Config()); err != nil {
			return err
		}
	} else {
		defer func() {
			if err := dev.Cleanup(); err != nil {
				l.Error(err, "cleanup failed")
			}
		}()
	}

	return write(c.App.Writer, rc.Output, env)
}

func parseCommand(l *logr.Logger) *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "parse root paths",
		ArgsUsage: "<root path>...",
		Flags:     []cli.Flag{outputFlag},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("at least one root path is required")
			}
			out := make([]map[string]string, 0, c.NArg())
			for _, p := range c.Args().Slice() {
				spec, err := rootpath.Parse(p)
				if err != nil {
					// the path is still usable, only the address is not.
					l.Info("malformed address", "rootPath", p, "error", err.Error())
				}
				m := map[string]string{
					"input":    p,
					"protocol": spec.Protocol.String(),
					"path":     spec.Path,
				}
				if spec.HasServer() {
					m["server"] = spec.Server.String()
				}
				out = append(out, m)
			}
			if c.String("output") == outputYAML {
				return writeYAML(c.App.Writer, out)
			}
			for _, m := range out {
				if _, err := fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\n", m["input"], m["protocol"], m["server"], m["path"]); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func devicesCommand(l *logr.Logger) *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "list the interfaces a net device can open",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "long",
				Usage: "include interface names",
				Value: true,
			},
		},
		Action: func(c *cli.Context) error {
			dev := &netroot.NetDevice{Log: *l, Netif: &netif.Netif{Log: l.WithName("netif")}}
			return dev.Print(c.App.Writer, c.Bool("long"))
		},
	}
}

type serveConfig struct {
	ListenAddr  string
	BackendFile string
	RootPath    string
	NextServer  string
	MetricsAddr string
	OTEL        bool
}

func serveCommand(l *logr.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "answer DHCP requests with addresses and root paths",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "ip:port to serve DHCP on",
				Value:   "0.0.0.0:67",
				EnvVars: []string{"NETROOT_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:     "backend-file",
				Usage:    "YAML file of records keyed by MAC address",
				EnvVars:  []string{"NETROOT_BACKEND_FILE"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "root-path",
				Usage:   "root path handed to every client, replacing the records'",
				EnvVars: []string{"NETROOT_ROOT_PATH"},
			},
			&cli.StringFlag{
				Name:    "next-server",
				Usage:   "next server handed out with --root-path",
				EnvVars: []string{"NETROOT_NEXT_SERVER"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "ip:port to serve prometheus metrics on, empty disables",
				Value:   ":9090",
				EnvVars: []string{"NETROOT_METRICS_ADDR"},
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "send the traceparent in option 43",
				EnvVars: []string{"NETROOT_OTEL"},
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c, *l, serveConfig{
				ListenAddr:  c.String("listen-addr"),
				BackendFile: c.String("backend-file"),
				RootPath:    c.String("root-path"),
				NextServer:  c.String("next-server"),
				MetricsAddr: c.String("metrics-addr"),
				OTEL:        c.Bool("otel"),
			})
		},
	}
}

func serve(c *cli.Context, l logr.Logger, sc serveConfig) error {
	listen, err := netaddr.ParseIPPort(sc.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen addr: %w", err)
	}
	backend, err := file.NewFile(sc.BackendFile, l.WithName("backend"))
	if err != nil {
		return err
	}
	var hs []handler.Handler4
	if sc.RootPath != "" {
		args := []string{sc.RootPath}
		if sc.NextServer != "" {
			args = append(args, sc.NextServer)
		}
		h, err := rootpathplugin.Setup4(args...)
		if err != nil {
			return err
		}
		hs = append(hs, h)
	}

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		backend.Start(ctx)
		return nil
	})
	g.Go(func() error {
		s := &responder.Server{
			Log:         l.WithName("responder"),
			ListenAddr:  listen,
			Backend:     backend,
			Plugins:     hs,
			OTELEnabled: sc.OTEL,
		}
		l.Info("serving dhcp", "addr", listen.String())
		return s.ListenAndServe(ctx)
	})
	if sc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: sc.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			l.Info("serving metrics", "addr", sc.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	return g.Wait()
}

func write(w io.Writer, format string, env map[string]string) error {
	switch format {
	case outputYAML:
		return writeYAML(w, env)
	case outputEnv, "":
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s=%s\n", k, env[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeYAML(w io.Writer, v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

