package version

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	goversion "github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/lansync/cmd/util"
	"github.com/sidkik/lansync/pkg/config"
	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/sync/client"
	"github.com/sidkik/lansync/pkg/version"
)

const peerTimeout = 10 * time.Second

// Mocked for unit testing.
var newClient = client.New

// New creates a new `version` command.
func New() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the local and peer version of lansync.",
		Long: "Print the local version of lansync. With --peer, also print the " +
			"version of the sync server running on the peer, and warn if the two " +
			"can't sync with each other.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(os.Stdout, peer); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Address of a peer's sync server, "+
		"as host or host:port")
	return cmd
}

func run(out io.Writer, peer string) error {
	fmt.Fprintf(out, "local version:  %s (protocol %d)\n", version.Version, version.ProtocolVersion)
	if peer == "" {
		return nil
	}

	host, port, err := parsePeer(peer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), peerTimeout)
	defer cancel()

	c := newClient(host, port)
	info, err := c.GetVersion(ctx)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("get version of %s", c.Address()))
	}

	fmt.Fprintf(out, "peer version:   %s (protocol %d)\n", info.Version, info.Protocol)
	if warning := compatibilityWarning(version.Version, info); warning != "" {
		fmt.Fprintln(out, warning)
	}
	return nil
}

func parsePeer(peer string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(peer)
	if err != nil {
		// No port was given.
		return peer, config.DefaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.NewFriendlyError("Invalid port in peer address %q", peer)
	}
	return host, port, nil
}

// compatibilityWarning returns a message describing why the local device
// and the peer might fail to sync, or an empty string if they're compatible.
func compatibilityWarning(localVersionStr string, peer client.VersionInfo) string {
	if peer.Protocol != version.ProtocolVersion {
		return fmt.Sprintf("WARNING: The peer speaks sync protocol %d, but this device "+
			"speaks protocol %d. Upgrade the older device before syncing.",
			peer.Protocol, version.ProtocolVersion)
	}

	localVersion, err := goversion.NewVersion(localVersionStr)
	if err != nil {
		log.WithError(err).Debug("Local version isn't a release. Skipping comparison.")
		return ""
	}

	peerVersion, err := goversion.NewVersion(peer.Version)
	if err != nil {
		log.WithError(err).Debug("Peer version isn't a release. Skipping comparison.")
		return ""
	}

	switch {
	case localVersion.LessThan(peerVersion):
		return fmt.Sprintf("The peer is running a newer release (%s). "+
			"Consider upgrading this device.", peerVersion)
	case peerVersion.LessThan(localVersion):
		return fmt.Sprintf("The peer is running an older release (%s). "+
			"Consider upgrading it.", peerVersion)
	}
	return ""
}
