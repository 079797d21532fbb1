package serve

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	goSync "sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/lansync/cmd/util"
	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/fswatch"
	"github.com/sidkik/lansync/pkg/netprobe"
	"github.com/sidkik/lansync/pkg/sync"
	"github.com/sidkik/lansync/pkg/sync/server"
)

// Mocked for unit testing.
var (
	listen = func(port int) (net.Listener, error) {
		return net.Listen("tcp", fmt.Sprintf(":%d", port))
	}

	newWarmer = func(catalog *sync.Catalog, cache *sync.ChecksumCache) (cacheWarmer, error) {
		return fswatch.NewWarmer(catalog, cache)
	}
)

type cacheWarmer interface {
	Run(ctx context.Context)
	Close() error
}

// New creates a new `serve` command.
func New() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the folders of the pairs this device is the source of",
		Long: "Run a sync server for every active pair where this device is the " +
			"source, and advertise this device's address to the pair.",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, store, err := util.LoadConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "load config"))
			}
			if cmd.Flags().Changed("port") {
				cfg.ListenPort = port
			}

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				signals := make(chan os.Signal, 1)
				signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
				<-signals
				log.Info("Shutting down")
				cancel()
			}()

			if err := run(ctx, cfg, store); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultPort,
		"Port to serve on for pairs that don't set one")
	return cmd
}

type addressUpdater interface {
	PairsForAccount(ctx context.Context) ([]config.SyncPair, error)
	UpdatePeerAddress(ctx context.Context, id, address string) error
}

// served is a sync server for a single source pair.
type served struct {
	pair     config.SyncPair
	port     int
	server   *server.Server
	warmer   cacheWarmer
	listener net.Listener
}

// run serves the source pairs until ctx is cancelled, or until one of the
// servers stops on its own, in which case all of them are shut down.
func run(ctx context.Context, cfg config.Config, store addressUpdater) error {
	pairs, err := store.PairsForAccount(ctx)
	if err != nil {
		return errors.WithContext(err, "list pairs")
	}

	toServe, err := listenForPairs(cfg, sourcePairs(pairs))
	if err != nil {
		return err
	}
	if len(toServe) == 0 {
		return errors.NewFriendlyError("This device isn't the source of any active pairs. " +
			"Add one with `lansync pair add --role source`.")
	}

	advertise(ctx, netprobe.New(cfg.PreferredInterfaces), store, toServe)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveErrs := make(chan error, len(toServe))

	var wg goSync.WaitGroup
	for _, s := range toServe {
		s := s
		pairLog := log.WithField("pair", s.pair.ID)

		if s.warmer != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.warmer.Run(ctx)
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pairLog.WithField("port", s.port).Infof("Serving %s", s.pair.SourcePath)
			err := s.server.Serve(s.listener)
			if ctx.Err() != nil {
				return
			}

			if err == nil {
				err = errors.New("server stopped unexpectedly")
			}
			pairLog.WithError(err).Error("Sync server stopped. Shutting down the other pairs.")
			serveErrs <- errors.WithContext(err, fmt.Sprintf("serve pair %s", s.pair.ID))
			cancel()
		}()
	}

	<-ctx.Done()
	for _, s := range toServe {
		if err := s.server.Shutdown(); err != nil {
			log.WithError(err).WithField("pair", s.pair.ID).Warn("Failed to shut down sync server")
		}

		// A server that hasn't started serving yet returns as soon as it
		// tries to accept.
		s.listener.Close()
	}
	wg.Wait()

	select {
	case err := <-serveErrs:
		return err
	default:
		return nil
	}
}

func sourcePairs(pairs []config.SyncPair) []config.SyncPair {
	var sources []config.SyncPair
	for _, pair := range pairs {
		if pair.Role == config.RoleSource {
			sources = append(sources, pair)
		}
	}
	return sources
}

// servePort returns the port the pair is served on. Pairs default to the
// device's listen port.
func servePort(cfg config.Config, pair config.SyncPair) int {
	if pair.PeerPort != 0 {
		return pair.PeerPort
	}
	return cfg.ListenPort
}

func listenForPairs(cfg config.Config, pairs []config.SyncPair) (toServe []*served, err error) {
	defer func() {
		if err != nil {
			for _, s := range toServe {
				s.listener.Close()
				if s.warmer != nil {
					s.warmer.Close()
				}
			}
		}
	}()

	portOwners := map[int]string{}
	for _, pair := range pairs {
		port := servePort(cfg, pair)
		if owner, ok := portOwners[port]; ok {
			return toServe, errors.NewFriendlyError(
				"Pairs %q and %q are both configured to serve on port %d. "+
					"Set a distinct `peerPort` for one of them.", owner, pair.ID, port)
		}
		portOwners[port] = pair.ID

		ln, err := listen(port)
		if err != nil {
			return toServe, errors.WithContext(err, fmt.Sprintf("listen on port %d", port))
		}

		cache := sync.NewChecksumCache()
		catalog := sync.NewCatalog(pair.SourcePath, cache)
		s := &served{
			pair:     pair,
			port:     port,
			server:   server.New(catalog, log.WithField("pair", pair.ID)),
			listener: ln,
		}

		// The server works without the warmer, it just hashes more often.
		warmer, err := newWarmer(catalog, cache)
		if err != nil {
			log.WithError(err).WithField("pair", pair.ID).Warn(
				"Failed to watch source folder. Checksums won't be precomputed.")
		} else {
			s.warmer = warmer
		}

		toServe = append(toServe, s)
	}
	return toServe, nil
}

type addressProbe interface {
	LocalAddress() (string, error)
}

func advertise(ctx context.Context, probe addressProbe, store addressUpdater, toServe []*served) {
	addr, err := probe.LocalAddress()
	if err != nil {
		log.WithError(err).Warn("Failed to detect local address. Peers must be configured manually.")
		return
	}

	for _, s := range toServe {
		if s.pair.PeerAddress == addr {
			continue
		}

		if err := store.UpdatePeerAddress(ctx, s.pair.ID, addr); err != nil {
			log.WithError(err).WithField("pair", s.pair.ID).Warn("Failed to advertise address")
			continue
		}
		log.WithField("pair", s.pair.ID).Infof("Advertised address %s", addr)
	}
}
