// correo is a mail transfer agent: it accepts mail over SMTP and LMTP,
// stores it in an on-disk queue, and delivers it to local commands or
// remote servers, with failure and delay notifications along the way.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"blitiri.com.ar/go/systemd"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/config"
	"coihue.dev/go/correo/internal/dsn"
	"coihue.dev/go/correo/internal/envelope"
	"coihue.dev/go/correo/internal/log"
	"coihue.dev/go/correo/internal/maillog"
	"coihue.dev/go/correo/internal/pipe"
	"coihue.dev/go/correo/internal/policy"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/scheduler"
	"coihue.dev/go/correo/internal/set"
	"coihue.dev/go/correo/internal/smtpclient"
	"coihue.dev/go/correo/internal/smtpd"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/correo",
		"configuration directory")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (comma-separated key=value pairs)")
	showVer = flag.Bool("version", false, "show version and exit")
)

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("correo %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("correo starting (version %s)", version)

	conf, err := config.Load(*configDir+"/correo.conf", *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir, so relative paths inside the
	// configuration (certs, access maps) have a fixed point of
	// reference.
	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	initMailLog(conf.MailLogPath)

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf)
	}

	store, err := qstore.Open(conf.QueueDir, conf.HashDirLevels)
	if err != nil {
		log.Fatalf("Error opening queue at %q: %v", conf.QueueDir, err)
	}

	engine := cleanup.NewEngine(store, cleanup.Limits{
		HeaderSize: conf.HeaderSizeLimit,
		HopCount:   conf.HopCountLimit,
		Recipients: conf.RecipientLimit,
		MaxSize:    int64(conf.MaxDataSizeMB) * 1024 * 1024,
	})

	localDomains := set.New(conf.LocalDomains...)
	// Always treat localhost as local, accidentally routing it as a
	// remote domain invites loops.
	localDomains.Add("localhost")

	env := &policy.Env{
		MyNetworks:   parseNetworks(conf.MyNetworks),
		LocalDomains: localDomains,
		MyHostnames:  set.New(conf.Hostname),
		Maps:         map[string]policy.Map{},
	}

	notifier := &dsn.Notifier{
		Store:              store,
		Engine:             engine,
		Hostname:           conf.Hostname,
		PostmasterAddress:  conf.PostmasterAddress,
		DoubleBounceSender: conf.DoubleBounceSender,
	}

	pool := smtpclient.NewPool(10, 5*time.Minute)
	agents := map[string]scheduler.Agent{
		"smtp": &smtpclient.Agent{
			HelloDomain: conf.Hostname,
			Store:       store,
			Pool:        pool,
			Timeouts:    smtpclient.DefaultTimeouts,
		},
		"lmtp": &smtpclient.Agent{
			HelloDomain: conf.Hostname,
			Store:       store,
			Timeouts:    smtpclient.DefaultTimeouts,
			LMTP:        true,
		},
		"pipe": &pipe.Agent{
			Store:   store,
			Binary:  conf.MailDeliveryAgentBin,
			Args:    conf.MailDeliveryAgentArgs,
			Timeout: 30 * time.Second,
		},
	}

	sched := scheduler.New(store, localResolver{localDomains}, agents,
		notifier, scheduler.Config{
			InitialDestinationConcurrency: conf.InitialDestinationConcurrency,
			DefaultDestinationConcurrency: conf.DefaultDestinationConcurrency,
			CohortFailureLimit:            conf.DestinationConcurrencyFailureCohort,
			CooldownBase:                  time.Minute,
			RecipientBatchLimit:           conf.DestinationRecipientLimit,
			ByteBatchLimit:                int64(conf.DestinationBatchSizeLimit),
			MinimalBackoff:                conf.MinimalBackoffTime,
			MaximalBackoff:                conf.MaximalBackoffTime,
			MaximalLifetime:               conf.MaximalQueueLifetime,
			DelayWarningTime:              conf.DelayWarningTime,
			ActiveCapacity:                conf.MaxQueueItems,
		})

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx, conf.QueueRunDelay)
	go signalHandler(cancel, sched, pool)

	srv := smtpd.NewServer()
	srv.Hostname = conf.Hostname
	srv.MaxDataSize = int64(conf.MaxDataSizeMB) * 1024 * 1024
	srv.Engine = engine
	srv.TrustedNets = env.MyNetworks
	srv.DisableVRFY = conf.DisableVRFYCommand
	srv.ErrorDelay = 1 * time.Second
	srv.SoftErrorLimit = conf.SMTPDErrorLimit
	srv.HardErrorLimit = conf.SMTPDHardErrorLimit
	srv.JunkCommandLimit = conf.SMTPDJunkCommandLimit
	srv.ETRNHook = sched.Flush

	srv.ClientChain = mustCompile(env, "smtpd_client_restrictions", conf.SMTPDClientRestrictions)
	srv.HeloChain = mustCompile(env, "smtpd_helo_restrictions", conf.SMTPDHELORestrictions)
	srv.SenderChain = mustCompile(env, "smtpd_sender_restrictions", conf.SMTPDSenderRestrictions)
	srv.RcptChain = mustCompile(env, "smtpd_recipient_restrictions", conf.SMTPDRecipientRestrictions)
	srv.ETRNChain = mustCompile(env, "smtpd_etrn_restrictions", conf.SMTPDETRNRestrictions)

	loadCerts(srv)

	// Load the addresses and listeners.
	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := loadAddresses(srv, conf.SMTPAddresses,
		systemdLs["smtp"], smtpd.ModeSMTP)
	naddr += loadAddresses(srv, conf.SubmissionAddresses,
		systemdLs["submission"], smtpd.ModeSubmission)
	naddr += loadAddresses(srv, conf.LMTPAddresses,
		systemdLs["lmtp"], smtpd.ModeLMTP)

	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	srv.ListenAndServe()
}

// localResolver routes recipients: local domains go to the pipe
// transport, everything else to outbound SMTP keyed by domain.
type localResolver struct {
	localDomains *set.Set[string]
}

func (r localResolver) Resolve(rcpt string) (nexthop, transport string, err error) {
	domain := envelope.DomainOf(rcpt)
	if domain == "" || r.localDomains.Has(domain) {
		return "local", "pipe", nil
	}
	return domain, "smtp", nil
}

func mustCompile(env *policy.Env, name string, tokens []string) *policy.Chain {
	chain, err := policy.Compile(tokens, env)
	if err != nil {
		log.Fatalf("Error in %s: %v", name, err)
	}
	return chain
}

func parseNetworks(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			log.Fatalf("Invalid mynetworks entry %q: %v", c, err)
		}
		nets = append(nets, n)
	}
	return nets
}

// loadCerts loads certificates from "certs/<directory>/{fullchain,privkey}.pem".
// The structure matches letsencrypt's, to make that case easy. Missing
// certificates just disable STARTTLS.
func loadCerts(srv *smtpd.Server) {
	entries, err := os.ReadDir("certs/")
	if err != nil {
		log.Infof("No certs/ directory, STARTTLS disabled")
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join("certs/", e.Name())
		certPath := filepath.Join(dir, "fullchain.pem")
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}
		if err := srv.AddCerts(certPath, keyPath); err != nil {
			log.Fatalf("Error loading certificate %q: %v", dir, err)
		}
		log.Infof("Loaded certificate %q", e.Name())
	}
}

func loadAddresses(srv *smtpd.Server, addrs []string, ls []net.Listener, mode smtpd.SocketMode) int {
	naddr := 0
	for _, addr := range addrs {
		// The "systemd" address indicates we get listeners via systemd.
		if addr == "systemd" {
			srv.AddListeners(ls, mode)
			naddr += len(ls)
		} else {
			srv.AddAddr(addr, mode)
			naddr++
		}
	}

	if naddr == 0 {
		log.Errorf("Warning: no %v addresses/listeners", mode)
		log.Errorf("If using systemd, check that the sockets are properly named")
	}
	return naddr
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		var f *os.File
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err == nil {
			maillog.Default = maillog.New(f)
		}
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler(cancel context.CancelFunc, sched *scheduler.Scheduler, pool *smtpclient.Pool) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// No state to reload yet; the signal is acknowledged so
			// operators' reload scripts don't kill us.
			log.Infof("Received SIGHUP, ignoring")
		case syscall.SIGTERM, syscall.SIGINT:
			log.Infof("Got signal %v, shutting down", sig)
			cancel()
			sched.Wait()
			pool.CloseAll()
			log.Infof("Queue state is on disk, exiting")
			os.Exit(0)
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}
