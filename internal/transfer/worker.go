// Package transfer uploads job archives to printers over FTPS. Bambu
// devices speak implicit TLS: the handshake happens immediately after TCP
// connect, before any banner is read, which is why this package reaches
// for secsy/goftp rather than the standard library's bare net — goftp is
// one of the few FTP clients in the ecosystem with a first-class implicit
// TLS mode instead of only the STARTTLS-style explicit upgrade.
package transfer

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/secsy/goftp"
)

const (
	ftpPort       = 990
	maxAttempts   = 3
	retryWait     = 2 * time.Second
	socketTimeout = 30 * time.Second
)

// Worker uploads archives to printers. It is stateless: every call carries
// its own target and credentials, so a single Worker is safely shared
// across the bounded worker pool.
type Worker struct{}

func NewWorker() *Worker { return &Worker{} }

// Upload transfers localPath to host as remoteName, retrying up to
// maxAttempts times with a fixed wait between attempts. It reports true
// only if the remote file ends up present at the local file's size,
// whether that took a transfer or the file was already there.
func (w *Worker) Upload(ctx context.Context, localPath, remoteName, host, accessCode string) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		slog.Error("stat local archive before upload", "path", localPath, "error", err)
		return false
	}
	localSize := info.Size()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.attempt(localPath, remoteName, host, accessCode, localSize); err != nil {
			slog.Warn("upload attempt failed", "host", host, "remote", remoteName, "attempt", attempt, "error", err)
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return false
				case <-time.After(retryWait):
				}
			}
			continue
		}
		return true
	}
	return false
}

func (w *Worker) attempt(localPath, remoteName, host, accessCode string, localSize int64) error {
	client, err := goftp.DialConfig(goftp.Config{
		User:     "bblp",
		Password: accessCode,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		TLSMode: goftp.TLSImplicit,
		Timeout: socketTimeout,
	}, fmt.Sprintf("%s:%d", host, ftpPort))
	if err != nil {
		return fmt.Errorf("dialing printer ftp: %w", err)
	}
	defer client.Close()

	if remoteSize, err := client.Getsize(remoteName); err == nil && remoteSize == localSize {
		return nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local archive: %w", err)
	}
	defer f.Close()

	if err := client.Store(remoteName, f); err != nil {
		return fmt.Errorf("storing archive: %w", err)
	}

	remoteSize, err := client.Getsize(remoteName)
	if err != nil {
		return fmt.Errorf("checking uploaded size: %w", err)
	}
	if remoteSize != localSize {
		return fmt.Errorf("uploaded size %d does not match local size %d", remoteSize, localSize)
	}
	return nil
}

// MD5 computes the hex digest of the file at path, streaming it in 4 KiB
// chunks so large archives don't need to fit in memory at once.
func MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ContentDigest hashes data directly, used to derive stable thumbnail
// identities from extracted thumbnail bytes.
func ContentDigest(data []byte) string {
	h := md5.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
