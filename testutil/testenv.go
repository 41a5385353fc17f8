// Package testutil provides shared helpers for E2E tests, which drive the
// built binary and cannot import internal/.
package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FreeAddr returns a loopback address with a port that was free a moment
// ago.
func FreeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("finding free port: %w", err)
	}
	defer ln.Close()

	return ln.Addr().String(), nil
}

// WaitForServer polls the /tables endpoint at addr until it answers or
// timeout passes.
func WaitForServer(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + addr + "/tables"

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not ready: %w", addr, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// FindModuleRoot walks up from the working directory to the directory
// holding go.mod.
func FindModuleRoot() string {
	dir, _ := os.Getwd()

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// e2e/ is one level below the module root.
			return ".."
		}

		dir = parent
	}
}
