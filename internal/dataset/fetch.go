package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"instructune/internal/common/fsutil"
)

// Source identifies a public dataset file. When Path is set it wins and no
// download happens.
type Source struct {
	Name    string // e.g. databricks/databricks-dolly-15k
	File    string // e.g. databricks-dolly-15k.jsonl
	BaseURL string // e.g. https://huggingface.co/datasets
	Path    string
}

// URL returns the download location of the dataset file.
func (s Source) URL() string {
	return strings.TrimRight(s.BaseURL, "/") + "/" + s.Name + "/resolve/main/" + s.File
}

// HTTPClient is the client used by Fetch; tests swap it.
var HTTPClient = http.DefaultClient

// Fetch resolves src to a local file. Remote files are downloaded once into
// cacheDir/<name>/<file> and reused afterwards.
func Fetch(ctx context.Context, src Source, cacheDir string) (string, error) {
	if p := strings.TrimPrefix(src.Path, "file://"); p != "" {
		p, err := fsutil.ExpandHome(p)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("dataset path: %w", err)
		}
		return p, nil
	}
	if src.Name == "" || src.File == "" {
		return "", fmt.Errorf("dataset name and file are required")
	}
	base, err := fsutil.ExpandHome(cacheDir)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(base, filepath.FromSlash(src.Name), src.File)
	if fi, err := os.Stat(dst); err == nil && fi.Size() > 0 {
		return dst, nil
	}
	if err := download(ctx, src.URL(), dst); err != nil {
		return "", err
	}
	return dst, nil
}

func download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".part-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
