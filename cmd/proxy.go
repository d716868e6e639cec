package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tbleier/capgate/internal/netx"
	"github.com/tbleier/capgate/internal/observability"
	"github.com/tbleier/capgate/internal/widget"
)

func newProxyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the HTML-rewriting forward proxy.",
		Long: `Proxy serves a forward HTTP proxy that activates widget markup in
passing text/html responses. HTTPS traffic is tunneled untouched. With
proxy.inject_script enabled the canonical activation script is injected
so click wiring still happens in the browser.`,
		RunE: runProxy,
	}
	cmd.Flags().String("addr", "", "listen address (overrides proxy.addr)")
	return cmd
}

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.GetLogger()

	addr := cfg.Proxy.Addr
	if flagAddr, _ := cmd.Flags().GetString("addr"); flagAddr != "" {
		addr = flagAddr
	}

	ip := netx.NewInjectorProxy(cfg.Proxy, widget.OptionsFromConfig(cfg.Widget), logger)
	return ip.Start(cmd.Context(), addr)
}
