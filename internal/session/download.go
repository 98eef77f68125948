package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// OutputFilename is the fixed name Download writes to.
const OutputFilename = "output.png"

// ErrNoImage is returned by Download when there is no output to fetch.
var ErrNoImage = errors.New("no image to download")

// Download fetches the last output of the current submission and writes it
// to <dir>/output.png, returning the written path. Failures are logged and
// returned.
func (c *Controller) Download(ctx context.Context, dir string) (string, error) {
	path, err := c.download(ctx, dir)
	if err != nil {
		c.logger.Error("download failed", "dir", dir, "error", err)
		return "", err
	}
	c.logger.Info("image downloaded", "path", path)
	return path, nil
}

func (c *Controller) download(ctx context.Context, dir string) (string, error) {
	imageURL := c.State().ImageURL()
	if imageURL == "" {
		return "", ErrNoImage
	}
	if c.downloader == nil {
		return "", fmt.Errorf("no downloader configured")
	}

	data, _, err := c.downloader.Download(ctx, imageURL)
	if err != nil {
		return "", err
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	path := filepath.Join(dir, OutputFilename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
