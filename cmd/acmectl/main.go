// Command acmectl runs the certificate lifecycle manager as a standalone
// process, serving nothing itself but logging every certificate
// update/expiry event.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/splintermail/acmecore"
	"github.com/splintermail/acmecore/internal/acmeclient"
	"github.com/splintermail/acmecore/internal/config"
	"github.com/splintermail/acmecore/internal/logging"
	"github.com/splintermail/acmecore/internal/splintermail"
)

var (
	flagConfig = flag.String("config", "", "path to acmecore.yaml")
	flagDir    = flag.String("dir", "", "working directory (overrides config)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := []config.Option{}
	if *flagConfig != "" {
		opts = append(opts, config.WithConfigPath(*flagConfig))
	}
	if err := config.Load(opts...); err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	devLogger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	logging.SetLogger(devLogger)
	defer logging.Sync()

	dir := config.GetString(config.WorkingDirKey)
	if *flagDir != "" {
		dir = *flagDir
	}

	sm, err := splintermail.New(
		config.GetString(config.SplintermailBaseURLKey),
		"", "", // subdomain/secret are loaded from installation.json on first use
		splintermail.WithLogf(logging.Info),
		splintermail.WithErrorf(logging.Error),
	)
	if err != nil {
		return fmt.Errorf("could not build splintermail client: %w", err)
	}

	adapter := acmeclient.New(dir, config.GetString(config.ACMEDirectoryURLKey), sm, config.GetDuration(config.RequestTimeoutKey))

	done := make(chan error, 1)
	core, initial := acmecore.Init(dir, adapter, func(bundle *acmecore.CertBundle) {
		if bundle == nil {
			logging.Warn("certificate is no longer valid; host should stop serving it")
			return
		}
		logging.Info("new certificate installed, valid until %s", bundle.NotAfter)
	}, func(err error) {
		done <- err
	})
	adapter.SetCore(core)

	if initial != nil {
		logging.Info("starting with a valid certificate on disk, expiring %s", initial.NotAfter)
	} else {
		logging.Info("starting without a usable certificate on disk")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		logging.Info("received shutdown signal")
		core.Close()
		<-done
	case err := <-done:
		if err != nil {
			return fmt.Errorf("core shut down with error: %w", err)
		}
	}

	return nil
}
