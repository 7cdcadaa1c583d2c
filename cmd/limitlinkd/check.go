package main

import (
	"context"
	"fmt"
	"time"

	"github.com/toolink/limitlink/extension"
	"github.com/toolink/limitlink/limiter"
)

// CheckCmd runs decisions against the configured store, as a request at a
// call site or, with --channel, as a message on a channel.
type CheckCmd struct {
	Rule     string `required:"" help:"Rule name from the config file."`
	Identity string `required:"" help:"Client identity to charge."`
	RouteID  int    `name:"route-id" help:"Route id of the call site."`
	Ordinal  int    `help:"Guard ordinal of the call site."`
	Channel  string `help:"Channel context tag; switches to channel keys."`
	Count    int    `default:"1" help:"Number of decisions to run."`
}

func (c *CheckCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if _, ok := cfg.Rules[c.Rule]; !ok {
		return fmt.Errorf("unknown rule %q", c.Rule)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := newApp(cfg)
	cfg.Metrics.Enabled = false
	mgr := extension.New()
	for _, ext := range []extension.Extension{a.storeExtension(), a.runtimeExtension()} {
		if err := mgr.Register(ext); err != nil {
			return err
		}
	}
	if err := mgr.LoadAll(ctx); err != nil {
		return err
	}
	defer mgr.ShutdownAll(context.WithoutCancel(ctx))

	key := limiter.RequestKey(a.rt.Prefix(), c.Identity, limiter.CallSite{RouteID: c.RouteID, Ordinal: c.Ordinal})
	if c.Channel != "" {
		key = limiter.ChannelKey(a.rt.Prefix(), c.Identity, c.Channel)
	}

	rule := a.rules[c.Rule]
	for i := 0; i < c.Count; i++ {
		d, err := a.rt.Decide(ctx, rule, key)
		if err != nil {
			return err
		}
		outcome := "allowed"
		if !d.Allowed() {
			outcome = fmt.Sprintf("limited, retry in %s", d.Wait)
		}
		fmt.Printf("%s\t%s\t%s\n", d.Key, d.Mode, outcome)
	}
	return nil
}
