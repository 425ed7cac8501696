package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/lichangche/cntlm/internal/auth"
	"github.com/lichangche/cntlm/internal/logger"
	"github.com/lichangche/cntlm/internal/netutil"
	"github.com/lichangche/cntlm/internal/proxy"
	"github.com/lichangche/cntlm/pkg/config"
	"github.com/lichangche/cntlm/pkg/metrics"
)

var interactivePassword bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy daemon",
	Long: `Start the proxy daemon with the configured listeners.

The first SIGINT/SIGTERM/SIGHUP starts a graceful shutdown: listeners
close and in-flight requests drain. A second signal forces exit.

Examples:
  # Run with the default config location
  cntlm run

  # Run with an explicit config and prompt for the password
  cntlm run --config /etc/cntlm.yaml --interactive-password

  # Environment overrides
  CNTLM_LOGGING_LEVEL=DEBUG cntlm run`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVarP(&interactivePassword, "interactive-password", "I", false, "prompt for the account password on startup")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config(cfg.Logging)); err != nil {
		return err
	}

	creds, err := buildCredential(cfg)
	if err != nil {
		return err
	}

	svc, err := buildService(cfg, creds)
	if err != nil {
		return err
	}

	specs, err := listenerSpecs(cfg)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no service ports configured")
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metrics.Enable()
		pm := metrics.NewProxyMetrics()
		svc.Metrics = pm
		svc.Pool.Metrics = pm
		metricsSrv = metrics.NewServer(cfg.Metrics.Address)
		metricsSrv.Start()
	}

	srv := proxy.NewServer(proxy.ServerConfig{
		Serialize:       cfg.Serialize,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, svc)
	srv.SOCKSUsers = cfg.SOCKS5UserTable()
	srv.Metrics = svc.Metrics

	if err := srv.Bind(specs); err != nil {
		return err
	}

	logger.Info("cntlm ready",
		"listeners", len(specs),
		"parents", svc.Upstreams.Len(),
		"auth", cfg.Auth)

	// First signal: graceful drain. Second: force.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Info("Signal received, issuing clean shutdown", "signal", sig.String())
		cancel()
		sig = <-sigCh
		logger.Warn("Second signal received, forcing shutdown", "signal", sig.String())
		srv.ForceStop()
		os.Exit(0)
	}()

	err = srv.Serve(ctx)
	svc.Pool.CloseAll()
	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		metricsSrv.Stop(shutdownCtx)
		stop()
	}
	return err
}

// buildCredential assembles the process credential from the config,
// prompting for the password when requested.
func buildCredential(cfg *config.Config) (*auth.Credential, error) {
	creds := &auth.Credential{}
	creds.User = cfg.Username
	creds.Domain = cfg.Domain
	creds.Workstation = cfg.Workstation
	if creds.Workstation == "" {
		if host, err := os.Hostname(); err == nil {
			creds.Workstation = host
		} else {
			creds.Workstation = "cntlm"
		}
	}

	if err := creds.ApplyPolicy(auth.Policy(cfg.Auth)); err != nil {
		return nil, err
	}
	if cfg.Flags != "" {
		flags, err := config.ParseFlags(cfg.Flags)
		if err != nil {
			return nil, err
		}
		creds.Flags = flags
		logger.Info("Using manual NTLM flags", "flags", fmt.Sprintf("0x%X", flags))
	}

	password := cfg.Password
	if interactivePassword && password == "" {
		prompt := promptui.Prompt{Label: "Password", Mask: '*'}
		entered, err := prompt.Run()
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		password = entered
	}

	if password != "" {
		creds.SetPassword(password)
	} else {
		if cfg.PassNT != "" {
			if err := creds.SetHashHex(auth.KindNT, cfg.PassNT); err != nil {
				return nil, err
			}
		}
		if cfg.PassLM != "" {
			if err := creds.SetHashHex(auth.KindLM, cfg.PassLM); err != nil {
				return nil, err
			}
		}
		if cfg.PassNTLMv2 != "" {
			if err := creds.SetHashHex(auth.KindNTLMv2, cfg.PassNTLMv2); err != nil {
				return nil, err
			}
		}
	}

	gss := auth.Policy(cfg.Auth) == auth.PolicyGSS
	if !creds.PassesAny() && !gss && !cfg.NTLMToBasic {
		return nil, fmt.Errorf("parent proxy account password (or required hashes) missing")
	}

	logger.Info("Using NTLM hashes",
		"ntlmv2", creds.HasHash(auth.KindNTLMv2),
		"nt", creds.HasHash(auth.KindNT),
		"lm", creds.HasHash(auth.KindLM))
	return creds, nil
}

// buildService wires the proxy service from the configuration.
func buildService(cfg *config.Config, creds *auth.Credential) (*proxy.Service, error) {
	var ups []proxy.Upstream
	for _, spec := range cfg.Proxy {
		u, err := proxy.ParseUpstream(spec)
		if err != nil {
			return nil, err
		}
		ups = append(ups, u)
	}
	if len(ups) == 0 && cfg.PACFile == "" {
		logger.Warn("No parent proxies configured; all requests will be served directly")
	}

	svc := &proxy.Service{
		Creds:           creds,
		Pool:            proxy.NewPool(cfg.ConnectTimeout, cfg.IdleConnTimeout),
		Upstreams:       proxy.NewUpstreamList(ups...),
		NoProxy:         netutil.NewGlobList(cfg.NoProxy...),
		NTLMToBasic:     cfg.NTLMToBasic,
		BodyBufferLimit: cfg.BodyBufferLimit,
		ReadTimeout:     cfg.ReadTimeout,
		RequestLogging:  cfg.RequestLogging,
	}

	for _, sub := range cfg.HeaderSubs() {
		svc.HeaderSubs = append(svc.HeaderSubs, proxy.HeaderSub{Name: sub[0], Value: sub[1]})
	}

	if cfg.ISAScannerSize > 0 || len(cfg.ISAScannerAgent) > 0 {
		agents := netutil.NewGlobList()
		for _, a := range cfg.ISAScannerAgent {
			agents.Add("*" + a + "*")
		}
		size := cfg.ISAScannerSize
		if size <= 0 {
			size = 1
		}
		svc.Scanner = proxy.ScannerConfig{Agents: agents, MaxSizeKiB: size}
	}

	if auth.Policy(cfg.Auth) == auth.PolicyGSS {
		neg, err := auth.NewNegotiateProvider()
		if err != nil {
			return nil, fmt.Errorf("gss auth requested but no usable kerberos credential: %w", err)
		}
		svc.Negotiate = neg
	}

	return svc, nil
}

// listenerSpecs resolves the configured service ports to bind addresses.
func listenerSpecs(cfg *config.Config) ([]proxy.ListenerSpec, error) {
	var specs []proxy.ListenerSpec
	for _, spec := range cfg.Listen {
		ls, err := netutil.ParseListenSpec(spec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, proxy.ListenerSpec{Kind: proxy.ListenerProxy, Addr: ls.Addr(cfg.Gateway)})
	}
	for _, spec := range cfg.SOCKS5Proxy {
		ls, err := netutil.ParseListenSpec(spec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, proxy.ListenerSpec{Kind: proxy.ListenerSOCKS, Addr: ls.Addr(cfg.Gateway)})
	}
	for _, spec := range cfg.Tunnel {
		ts, err := netutil.ParseTunnelSpec(spec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, proxy.ListenerSpec{
			Kind:   proxy.ListenerTunnel,
			Addr:   ts.Addr(cfg.Gateway),
			Target: ts.Target(),
		})
	}
	return specs, nil
}
