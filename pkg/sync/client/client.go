package client

//go:generate mockery -name Client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/lansync/pkg/errors"
	"github.com/sidkik/lansync/pkg/sync"
)

// DefaultPort is the port the sync server listens on unless configured
// otherwise.
const DefaultPort = 8765

// PingTimeout bounds the liveness check.
const PingTimeout = 3 * time.Second

// manifestTimeout bounds fetching the manifest. The source hashes every
// file while building it, so it can take a while for large folders.
const manifestTimeout = 5 * time.Minute

const copyBufferSize = 32 * 1024

var fs = afero.NewOsFs()

// Client pulls files from a single peer's sync server.
type Client interface {
	// Ping returns whether the peer's sync server is reachable. It never
	// returns an error.
	Ping(ctx context.Context) bool

	// FetchManifest returns the peer's current manifest.
	FetchManifest(ctx context.Context) ([]sync.ManifestEntry, error)

	// DownloadFile pulls `entry` into destRoot. If knownLocalChecksum
	// already matches the entry, nothing is transferred and it returns
	// false.
	DownloadFile(ctx context.Context, entry sync.ManifestEntry, destRoot,
		knownLocalChecksum string) (bool, error)

	// GetVersion returns the peer's build and protocol version.
	GetVersion(ctx context.Context) (VersionInfo, error)

	// Address returns the host:port of the peer.
	Address() string
}

// VersionInfo is the body of the version endpoint.
type VersionInfo struct {
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
}

type client struct {
	baseURL    url.URL
	httpClient *http.Client
}

// New returns a Client for the sync server at address:port.
func New(address string, port int) Client {
	return &client{
		baseURL: url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(address, strconv.Itoa(port)),
		},
		// Requests are bounded by their context rather than a client-wide
		// timeout, since downloads of large files take a while.
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   PingTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *client) Address() string {
	return c.baseURL.Host
}

func (c *client) endpoint(path string, query url.Values) string {
	u := c.baseURL
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, errors.WithContext(err, "create request")
	}
	return c.httpClient.Do(req)
}

func (c *client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/ping", nil)
	if err != nil {
		log.WithError(err).WithField("peer", c.Address()).Debug("Ping failed")
		return false
	}
	defer drainAndClose(resp.Body)

	return isSuccess(resp.StatusCode)
}

func (c *client) FetchManifest(ctx context.Context) ([]sync.ManifestEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, manifestTimeout)
	defer cancel()

	resp, err := c.get(ctx, "/manifest", nil)
	if err != nil {
		return nil, errors.ProtocolError{Op: "fetch manifest", Reason: err.Error()}
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return nil, errors.ProtocolError{
			Op:         "fetch manifest",
			StatusCode: resp.StatusCode,
			Reason:     readErrorBody(resp.Body),
		}
	}

	manifest, err := sync.DecodeManifest(resp.Body)
	if err != nil {
		return nil, errors.ProtocolError{Op: "fetch manifest", Reason: err.Error()}
	}
	return manifest, nil
}

func (c *client) DownloadFile(ctx context.Context, entry sync.ManifestEntry, destRoot,
	knownLocalChecksum string) (bool, error) {
	if knownLocalChecksum != "" && knownLocalChecksum == entry.Checksum {
		return false, nil
	}

	dest, err := sync.ResolveWithinRoot(destRoot, entry.Path)
	if err != nil {
		return false, errors.FileTransferError{Path: entry.Path, Err: err}
	}

	if err := c.download(ctx, entry, dest); err != nil {
		return false, errors.FileTransferError{Path: entry.Path, Err: err}
	}
	return true, nil
}

func (c *client) download(ctx context.Context, entry sync.ManifestEntry, dest string) error {
	destDir := filepath.Dir(dest)
	if err := fs.MkdirAll(destDir, 0755); err != nil {
		return errors.WithContext(err, "create destination directory")
	}

	resp, err := c.get(ctx, "/file", url.Values{"path": []string{entry.Path}})
	if err != nil {
		return errors.WithContext(err, "request file")
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	expectedSize := entry.Size
	if header := resp.Header.Get("X-File-Size"); header != "" {
		expectedSize, err = strconv.ParseInt(header, 10, 64)
		if err != nil {
			return errors.WithContext(err, "parse X-File-Size")
		}
	}

	// Write to a temporary file in the same directory so that the final
	// rename is atomic, and readers never observe a partial file.
	tmp, err := afero.TempFile(fs, destDir, "."+filepath.Base(dest)+".lansync-")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	renamed := false
	defer func() {
		if !renamed {
			tmp.Close()
			if err := fs.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithField("path", tmp.Name()).Warn("Failed to remove temp file")
			}
		}
	}()

	hash := md5.New()
	n, err := io.CopyBuffer(io.MultiWriter(tmp, hash), resp.Body, make([]byte, copyBufferSize))
	if err != nil {
		return errors.WithContext(err, "stream contents")
	}

	if n != expectedSize {
		return fmt.Errorf("stream ended after %d of %d bytes", n, expectedSize)
	}

	if checksum := hex.EncodeToString(hash.Sum(nil)); checksum != entry.Checksum {
		return errors.ErrFileChanged
	}

	if err := tmp.Sync(); err != nil {
		return errors.WithContext(err, "sync")
	}

	if err := tmp.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	if err := fs.Rename(tmp.Name(), dest); err != nil {
		return errors.WithContext(err, "rename")
	}
	renamed = true

	if err := fs.Chtimes(dest, time.Now(), entry.ModTime()); err != nil {
		log.WithError(err).WithField("path", dest).Debug("Failed to preserve modification time")
	}
	return nil
}

func (c *client) GetVersion(ctx context.Context) (VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.get(ctx, "/version", nil)
	if err != nil {
		return VersionInfo{}, errors.ProtocolError{Op: "get version", Reason: err.Error()}
	}
	defer drainAndClose(resp.Body)

	if !isSuccess(resp.StatusCode) {
		return VersionInfo{}, errors.ProtocolError{
			Op:         "get version",
			StatusCode: resp.StatusCode,
			Reason:     readErrorBody(resp.Body),
		}
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return VersionInfo{}, errors.ProtocolError{Op: "get version", Reason: err.Error()}
	}
	return info, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil || len(body) == 0 {
		return "no response body"
	}
	return string(body)
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}
