package main

import (
	"flag"
	"strings"
	"time"
)

// Options holds command line options. Flags override the config file.
type Options struct {
	ConfigPath      string
	Listen          string
	DeviceID        string
	Manifests       []string
	ShutdownTimeout time.Duration
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// ParseFlags parses CLI flags from args.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("supervisor", flag.ExitOnError)
	var opts Options
	var manifests listFlag
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Listen, "listen", "", "Listen address, overrides server.listen")
	fs.StringVar(&opts.DeviceID, "device", "", "Device id, overrides device.id")
	fs.Var(&manifests, "manifest", "Deployment manifest to activate at startup (repeatable)")
	fs.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "Graceful shutdown timeout")
	_ = fs.Parse(args)
	opts.Manifests = manifests
	return opts
}
