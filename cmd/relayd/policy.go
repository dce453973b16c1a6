package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/codex-relay/internal/config"
)

type policyView struct {
	Enabled     bool     `json:"enabled"`
	AllowedApps []string `json:"allowed_apps"`
	BlockedApps []string `json:"blocked_apps"`
	Version     string   `json:"policy_version"`
}

func runPolicyCommand(args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: relayd policy <show|set> [flags]")
		return 2
	}
	switch args[0] {
	case "show":
		return showPolicy(out)
	case "set":
		return setPolicy(args[1:], out)
	default:
		fmt.Fprintf(os.Stderr, "unknown policy action %q\n", args[0])
		return 2
	}
}

func showPolicy(out io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	p := cfg.RenderPolicy()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(policyView{
		Enabled:     p.Enabled(),
		AllowedApps: p.AllowedApps(),
		BlockedApps: p.BlockedApps(),
		Version:     p.Version(),
	})
	return 0
}

func setPolicy(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("policy set", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	enabled := fs.Bool("enabled", true, "allow embedded UI at all")
	allow := fs.String("allow", "", "comma-separated apps allowed to render (empty = all)")
	block := fs.String("block", "", "comma-separated apps never allowed to render")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: relayd policy set [-enabled=true] [-allow a,b] [-block c]")
		return 2
	}

	homeDir := config.HomeDir()
	if err := config.SetUIPolicy(homeDir, *enabled, splitApps(*allow), splitApps(*block)); err != nil {
		fmt.Fprintf(os.Stderr, "policy set: %v\n", err)
		return 1
	}
	return showPolicy(out)
}

func splitApps(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
