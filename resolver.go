package netroot

import (
	"context"
	"errors"
	"net"

	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot/data"
	"github.com/jacobweinstock/netroot/metrics"
	"github.com/jacobweinstock/netroot/rootpath"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"inet.af/netaddr"
)

const tracerName = "github.com/jacobweinstock/netroot"

// stage names, used in errors, logs, spans and metrics.
const (
	StageBOOTP    = "bootp"
	StageRARP     = "rarp"
	StageWhoami   = "whoami"
	StageGateway  = "gateway"
	StageRoot     = "root"
	StageRootPath = "rootpath"
)

// Resolver gathers the boot parameters of an interface. Each stage is tried
// exactly once per Resolve; retrying the whole sequence is up to the caller.
// A Resolver is not safe for concurrent use.
type Resolver struct {
	Log       logr.Logger
	BOOTP     BOOTP
	RARP      RARP
	Bootparam Bootparam
}

type stage struct {
	name string
	run  func(context.Context, Handle, data.BootConfig) (data.BootConfig, error)
}

// Resolve runs the fallback chain on h starting from cfg and returns the
// completed config. On error the returned config is the input cfg.
//
// If BOOTP yields a local address nothing else is asked of the network.
// Otherwise RARP, bootparam whoami and bootparam getfile fill the config in.
// Either way the root path is parsed last and an address embedded in it wins
// over the root server learned from the network.
func (r *Resolver) Resolve(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	log := orDiscard(r.Log).WithValues("interface", h.Name())

	next, _ := r.run(ctx, stage{StageBOOTP, r.bootp}, h, cfg)
	if !known(next.MyIP) {
		log.V(1).Info("BOOTP failed, trying RARP/RPC")
		chain := []stage{
			{StageRARP, r.rarp},
			{StageWhoami, r.whoami},
			{StageGateway, r.gateway},
			{StageRoot, r.root},
		}
		for _, s := range chain {
			var err error
			if next, err = r.run(ctx, s, h, next); err != nil {
				log.Error(err, "boot parameter resolution failed", "stage", s.name)
				return cfg, err
			}
		}
	}
	next, _ = r.run(ctx, stage{StageRootPath, r.rootpath}, h, next)

	log.Info("boot parameters resolved",
		"ip", ipString(next.MyIP),
		"netmask", next.NetmaskString(),
		"gateway", ipString(next.Gateway),
		"server", ipString(next.RootServer),
		"path", next.RootPath,
		"protocol", next.Protocol.String(),
	)
	return next, nil
}

func (r *Resolver) run(ctx context.Context, s stage, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "netroot/"+s.name)
	defer span.End()
	span.SetAttributes(attribute.String("netroot.interface", h.Name()))

	next, err := s.run(ctx, h, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.StageTotal.WithLabelValues(s.name, metrics.ResultFailure).Inc()
		return cfg, err
	}
	metrics.StageTotal.WithLabelValues(s.name, metrics.ResultSuccess).Inc()

	return next, nil
}

// bootp never fails the resolution, the RARP path takes over instead.
func (r *Resolver) bootp(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	log := orDiscard(r.Log)
	if r.BOOTP == nil {
		return cfg, nil
	}
	next, err := r.BOOTP.Negotiate(ctx, h, cfg)
	if err != nil {
		log.V(1).Info("BOOTP negotiation failed", "interface", h.Name(), "error", err.Error())
		return cfg, nil
	}
	if !known(next.MyIP) {
		return cfg, nil
	}

	return next, nil
}

func (r *Resolver) rarp(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	if r.RARP == nil {
		return cfg, &StageError{Stage: StageRARP, Kind: ErrAddressDiscoveryFailed, Err: errNotConfigured}
	}
	ip, err := r.RARP.GetIP(ctx, h)
	if err != nil {
		return cfg, &StageError{Stage: StageRARP, Kind: ErrAddressDiscoveryFailed, Err: err}
	}
	if !known(ip) || !ip.Is4() {
		return cfg, &StageError{Stage: StageRARP, Kind: ErrAddressDiscoveryFailed}
	}
	cfg.MyIP = ip
	if len(cfg.Netmask) == 0 {
		cfg.Netmask = ip.IPAddr().IP.DefaultMask()
	}
	orDiscard(r.Log).Info("client address", "ip", ip.String())

	return cfg, nil
}

// whoami learns the hostname. The router it reports is ignored as unreliable,
// the "gateway" parameter is used instead.
func (r *Resolver) whoami(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	if r.Bootparam == nil {
		return cfg, &StageError{Stage: StageWhoami, Kind: ErrBootparamRPCFailed, Err: errNotConfigured}
	}
	w, err := r.Bootparam.Whoami(ctx, h, cfg.MyIP)
	if err != nil {
		return cfg, &StageError{Stage: StageWhoami, Kind: ErrBootparamRPCFailed, Err: err}
	}
	if w.Hostname != "" {
		cfg.Hostname = w.Hostname
	}
	if w.Domain != "" {
		cfg.Domain = w.Domain
	}
	orDiscard(r.Log).V(1).Info("client name", "hostname", w.Hostname, "domain", w.Domain)

	return cfg, nil
}

// gateway is optional: the server answers with the gateway address and the
// subnet mask in the path field.
func (r *Resolver) gateway(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	log := orDiscard(r.Log)
	f, err := r.Bootparam.GetFile(ctx, h, cfg.Hostname, "gateway")
	if err != nil {
		log.V(1).Info("no gateway parameter", "error", err.Error())
		return cfg, nil
	}
	if known(f.Server) {
		cfg.Gateway = f.Server
		log.V(1).Info("net gateway", "gateway", f.Server.String())
	}
	if mask := parseMask(f.Path); mask != nil {
		cfg.Netmask = mask
		log.V(1).Info("subnet mask", "netmask", cfg.NetmaskString())
	}

	return cfg, nil
}

func (r *Resolver) root(ctx context.Context, h Handle, cfg data.BootConfig) (data.BootConfig, error) {
	f, err := r.Bootparam.GetFile(ctx, h, cfg.Hostname, "root")
	if err != nil {
		return cfg, &StageError{Stage: StageRoot, Kind: ErrRootInfoUnavailable, Err: err}
	}
	if err := cfg.SetRootPath(f.Path); err != nil {
		return cfg, &StageError{Stage: StageRoot, Kind: ErrRootInfoUnavailable, Err: err}
	}
	if known(f.Server) {
		cfg.RootServer = f.Server
	}

	return cfg, nil
}

// rootpath never fails: a malformed embedded address is a warning and the
// root server already known is kept.
func (r *Resolver) rootpath(_ context.Context, _ Handle, cfg data.BootConfig) (data.BootConfig, error) {
	return applyRootPath(orDiscard(r.Log), cfg), nil
}

func applyRootPath(log logr.Logger, cfg data.BootConfig) data.BootConfig {
	spec, err := rootpath.Parse(cfg.RootPath)
	if errors.Is(err, rootpath.ErrMalformedAddress) {
		metrics.MalformedRootPathTotal.Inc()
		log.Info("ignoring root path address", "warning", err.Error(), "rootPath", cfg.RootPath)
	}
	cfg.Protocol = spec.Protocol
	cfg.RootPath = spec.Path
	if spec.HasServer() {
		cfg.RootServer = spec.Server
	}
	log.V(1).Info("server addr", "server", ipString(cfg.RootServer), "path", cfg.RootPath)

	return cfg
}

// parseMask returns nil unless s is a non-zero dotted quad.
func parseMask(s string) net.IPMask {
	ip, err := netaddr.ParseIP(s)
	if err != nil || !ip.Is4() {
		return nil
	}
	b := ip.As4()
	if b == [4]byte{} {
		return nil
	}

	return net.IPv4Mask(b[0], b[1], b[2], b[3])
}

// known reports whether ip is a usable address rather than a placeholder.
func known(ip netaddr.IP) bool {
	return !ip.IsZero() && !ip.IsUnspecified()
}

func ipString(ip netaddr.IP) string {
	if ip.IsZero() {
		return net.IPv4zero.String()
	}
	return ip.String()
}
