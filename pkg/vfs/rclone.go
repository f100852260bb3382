// Package vfs maps virtual filesystem identifiers to fetchable network identifiers.
package vfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/misc"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

// RcloneScheme is the scheme of identifiers served by rclone, for example
// "rclone:photos/1.jpg".
const RcloneScheme = "rclone"

// RcloneResolver maps rclone identifiers to urls of an 'rclone serve http' instance.
type RcloneResolver struct {
	baseURL *url.URL
}

var _ imgcache.VFSResolver = (*RcloneResolver)(nil)

// NewRcloneResolver creates a new resolver. If the url is empty, no identifiers can be
// resolved.
func NewRcloneResolver(rawURL string) (*RcloneResolver, error) {
	if rawURL == "" {
		return &RcloneResolver{}, nil
	}

	u, err := url.Parse(misc.EnsureSuffix(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid rclone url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid rclone url scheme: %q", u.Scheme)
	}
	return &RcloneResolver{baseURL: u}, nil
}

func (r *RcloneResolver) IsSupportedScheme(scheme string) bool {
	return scheme == RcloneScheme
}

func (r *RcloneResolver) ToFetchable(id imgcache.Identifier) (imgcache.Identifier, error) {
	if !r.IsSupportedScheme(id.Scheme()) {
		return imgcache.Identifier{}, fmt.Errorf("%w: scheme %q", imgcache.ErrUnsupported, id.Scheme())
	}
	if r.baseURL == nil {
		return imgcache.Identifier{}, fmt.Errorf("%w: rclone is not configured", imgcache.ErrUnsupported)
	}

	path := id.Path()
	if path == "" || path == "/" {
		return imgcache.Identifier{}, fmt.Errorf("%w: empty path", imgcache.ErrUnsupported)
	}
	return imgcache.ParseIdentifier(r.baseURL.JoinPath(path).String())
}

// RcloneServer runs 'rclone serve http'.
type RcloneServer struct {
	cmd               *exec.Cmd
	stopCmd           func()
	stoppedByShutdown atomic.Bool
	stoppedCh         chan struct{}

	url string
}

func NewRcloneServer(port int, target string) (*RcloneServer, error) {
	// Check if rclone is installed.
	_, err := exec.LookPath("rclone")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	//nolint:gosec
	return &RcloneServer{
		cmd: exec.CommandContext(ctx,
			"rclone",
			"serve",
			"http",
			"--addr", "localhost:"+strconv.Itoa(port),
			"--read-only",
			target,
		),
		stopCmd:   cancel,
		stoppedCh: make(chan struct{}),
		url:       "http://localhost:" + strconv.Itoa(port),
	}, nil
}

// URL returns the base url of the instance.
func (s *RcloneServer) URL() string {
	return s.url
}

// Start starts rclone and blocks until it is stopped.
func (s *RcloneServer) Start() error {
	defer func() {
		close(s.stoppedCh)
	}()

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("couldn't get rclone stdout: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("couldn't get rclone stderr: %w", err)
	}
	pipes := []io.ReadCloser{stdout, stderr}

	rlog.Infof("start rclone on %q", s.url)

	err = s.cmd.Start()
	if err != nil {
		return fmt.Errorf("couldn't start rclone: %w", err)
	}

	var wg sync.WaitGroup
	for _, pipe := range pipes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			redirectRcloneLogs(pipe)
		}()
	}

	err = s.cmd.Wait()
	if s.stoppedByShutdown.Load() {
		// Don't return errors like "signal: interrupt".
		err = nil
	}

	for _, pipe := range pipes {
		pipe.Close()
	}

	wg.Wait()

	return err
}

func redirectRcloneLogs(pipe io.Reader) {
	s := bufio.NewScanner(pipe)
	for s.Scan() {
		rlog.Infof("[RCLONE]: %s", s.Text())
	}
	if err := s.Err(); err != nil && !errors.Is(err, fs.ErrClosed) {
		rlog.Errorf("couldn't read rclone logs: %s", err)
	}
}

func (s *RcloneServer) Shutdown(ctx context.Context) error {
	s.stoppedByShutdown.Store(true)
	s.stopCmd()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stoppedCh:
		return nil
	}
}
