package cloudflared

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/xlttj/cftunnel/pkg/logging"
)

// ErrUnsupportedPlatform is returned when no release asset exists for the
// current OS and architecture.
var ErrUnsupportedPlatform = errors.New("no cloudflared release for this platform")

// ProgressFunc receives downloaded and total byte counts. total is 0 when the
// server does not send a length.
type ProgressFunc func(downloaded, total int64)

// Installer downloads the latest client release into Dir.
type Installer struct {
	BaseURL  string
	Dir      string
	GOOS     string
	GOARCH   string
	Client   *http.Client
	Progress ProgressFunc
}

// NewInstaller returns an installer for the running platform.
func NewInstaller(baseURL, dir string) *Installer {
	return &Installer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Dir:     dir,
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
		Client:  http.DefaultClient,
	}
}

// AssetName returns the release asset for a platform and whether it is a
// gzipped tarball.
func AssetName(goos, goarch string) (string, bool, error) {
	switch goos {
	case "linux":
		switch goarch {
		case "amd64", "arm64", "386":
			return "cloudflared-linux-" + goarch, false, nil
		case "arm":
			return "cloudflared-linux-arm", false, nil
		}
	case "windows":
		switch goarch {
		case "amd64", "386", "arm64":
			return "cloudflared-windows-" + goarch + ".exe", false, nil
		}
	case "darwin":
		switch goarch {
		case "amd64", "arm64":
			return "cloudflared-darwin-" + goarch + ".tgz", true, nil
		}
	}
	return "", false, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

// Install downloads the release and puts it in Dir as an executable. The
// binary is written to a temp file first, so a failed download never
// replaces a working client.
func (in *Installer) Install(ctx context.Context) (string, error) {
	asset, archived, err := AssetName(in.GOOS, in.GOARCH)
	if err != nil {
		return "", err
	}
	url := in.BaseURL + "/" + asset

	if err := os.MkdirAll(in.Dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create install directory: %w", err)
	}

	name := "cloudflared"
	if in.GOOS == "windows" {
		name = "cloudflared.exe"
	}
	target := filepath.Join(in.Dir, name)

	logging.LogInfo("Downloading %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	client := in.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(in.Dir, "."+name+"-*.download")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	body := &progressReader{r: resp.Body, total: resp.ContentLength, progress: in.Progress}
	if archived {
		err = extractBinary(body, tmp, "cloudflared")
	} else {
		_, err = io.Copy(tmp, body)
	}
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", asset, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		return "", fmt.Errorf("failed to mark client executable: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("failed to install client: %w", err)
	}

	logging.LogInfo("Installed cloudflared to %s (%d bytes)", target, body.read)
	return target, nil
}

// extractBinary copies the entry called name out of a .tgz stream.
func extractBinary(r io.Reader, w io.Writer, name string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("archive has no %s entry", name)
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg && filepath.Base(hdr.Name) == name {
			_, err = io.Copy(w, tr)
			return err
		}
	}
}

type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.progress != nil && n > 0 {
		total := p.total
		if total < 0 {
			total = 0
		}
		p.progress(p.read, total)
	}
	return n, err
}
