package netroot

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/jacobweinstock/netroot/data"
)

// Device is the capability set a boot loader expects of a device kind.
type Device interface {
	Name() string
	Init() error
	Open(ctx context.Context, oc OpenConfig) error
	Close() error
	Strategy(rw int, blk int64, buf []byte) (int, error)
	Print(w io.Writer, verbose bool) error
	Cleanup() error
}

// OpenConfig names what to open.
type OpenConfig struct {
	// Interface is the network interface to boot from, "eth0" for example.
	Interface string
}

var _ Device = (*NetDevice)(nil)

// NetDevice is the "net" boot device. It exists to bring an interface up,
// resolve boot parameters and publish them; it serves no blocks.
//
// The first Open resolves and publishes; later opens of the same interface
// reuse the result. Opening a different interface cleans up first. A
// NetDevice is not safe for concurrent use.
type NetDevice struct {
	Log      logr.Logger
	Netif    Netif
	Resolver *Resolver
	// Setenv receives the published values. Nil uses os.Setenv.
	Setenv func(key, value string) error

	handle Handle
	opens  int
	cfg    data.BootConfig
}

func (d *NetDevice) Name() string {
	return "net"
}

func (d *NetDevice) Init() error {
	return nil
}

// Config returns the current boot parameters.
func (d *NetDevice) Config() data.BootConfig {
	return d.cfg
}

// Preset seeds boot parameters learned elsewhere, by firmware for example.
// A preset root server makes Open skip resolution.
func (d *NetDevice) Preset(cfg data.BootConfig) {
	d.cfg = cfg
}

func (d *NetDevice) Open(ctx context.Context, oc OpenConfig) error {
	log := orDiscard(d.Log).WithValues("interface", oc.Interface)

	// Before opening another interface, close the previous one first.
	if d.handle != nil && d.handle.Name() != oc.Interface {
		if err := d.Cleanup(); err != nil {
			log.Error(err, "failed to close previous interface")
		}
	}

	if d.opens == 0 {
		if d.handle == nil {
			h, err := d.Netif.Open(ctx, oc.Interface)
			if err != nil {
				log.Error(err, "netif open failed")
				return fmt.Errorf("%w: %v", ErrNoInterface, err)
			}
			d.handle = h
			log.V(1).Info("netif open succeeded")
		}
		if mac, err := data.MACFrom(d.handle.HardwareAddr()); err == nil {
			d.cfg.HardwareAddr = mac
		}

		// parameters may already be known, from firmware for example.
		if d.cfg.RootServer.IsZero() {
			cfg, err := d.Resolver.Resolve(ctx, d.handle, d.cfg)
			if err != nil {
				d.release(log)
				return err
			}
			d.cfg = cfg
		}
		if err := Publish(d.Setenv, d.cfg); err != nil {
			return err
		}
	}
	d.opens++

	return nil
}

// Override replaces the root path with an operator supplied one, parses it
// and publishes the result again.
func (d *NetDevice) Override(path string) error {
	cfg := d.cfg
	if err := cfg.SetRootPath(path); err != nil {
		return err
	}
	d.cfg = applyRootPath(orDiscard(d.Log), cfg)

	return Publish(d.Setenv, d.cfg)
}

// Close keeps the interface open so the next Open can reuse it.
func (d *NetDevice) Close() error {
	orDiscard(d.Log).V(1).Info("close", "opens", d.opens)
	return nil
}

func (d *NetDevice) Strategy(int, int64, []byte) (int, error) {
	return 0, ErrNoBlockIO
}

// Print lists the devices this driver can open.
func (d *NetDevice) Print(w io.Writer, verbose bool) error {
	names, err := d.Netif.Interfaces()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%s devices:\n", d.Name()); err != nil {
		return err
	}
	for i, n := range names {
		line := fmt.Sprintf("\t%s%d:", d.Name(), i)
		if verbose {
			line += fmt.Sprintf(" (%s)", n)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	return nil
}

// Cleanup forgets every boot parameter, the root server included, and closes
// the interface so a later open of any interface starts over.
func (d *NetDevice) Cleanup() error {
	if d.handle == nil {
		return nil
	}
	orDiscard(d.Log).V(1).Info("calling netif close", "interface", d.handle.Name())
	d.cfg.Reset()
	d.opens = 0
	h := d.handle
	d.handle = nil

	return h.Close()
}

func (d *NetDevice) release(log logr.Logger) {
	if err := d.handle.Close(); err != nil {
		log.Error(err, "failed to close interface")
	}
	d.handle = nil
}
