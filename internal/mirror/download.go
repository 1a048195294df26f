package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	domerrors "github.com/shelfsync/shelfsync/internal/errors"
	"github.com/shelfsync/shelfsync/internal/stages"
)

// limitResetHeader carries the allowance reset instant on 429 responses.
const limitResetHeader = "X-Limit-Reset"

// Download implements the stages.MirrorClient transfer contract: fetch the
// file behind the short-lived download URL, name it from the server's
// disposition header (or a safe template), and report progress counts.
func (c *Client) Download(ctx context.Context, req stages.DownloadRequest, destDir string) (stages.DownloadedFile, error) {
	if req.DownloadURL == "" {
		return stages.DownloadedFile{}, domerrors.NewResourceNotFoundError("download url for "+req.Title, nil)
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return stages.DownloadedFile{}, fmt.Errorf("create download dir: %w", err)
	}
	if err := c.ensureSession(ctx); err != nil {
		return stages.DownloadedFile{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.DownloadURL, http.NoBody)
	if err != nil {
		return stages.DownloadedFile{}, fmt.Errorf("create download request: %w", err)
	}

	resp, err := c.dlClient.Do(httpReq)
	if err != nil {
		return stages.DownloadedFile{}, domerrors.NewNetworkError("mirror download", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var resetTime time.Time
		if v := resp.Header.Get(limitResetHeader); v != "" {
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				resetTime = parsed
			}
		}
		return stages.DownloadedFile{}, domerrors.NewDownloadLimitExhaustedError(resetTime,
			fmt.Errorf("download refused with status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.invalidateSession()
		return stages.DownloadedFile{}, domerrors.NewAuthError("mirror", resp.StatusCode,
			fmt.Errorf("download rejected"))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return stages.DownloadedFile{}, domerrors.NewResourceNotFoundError(req.DownloadURL,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return stages.DownloadedFile{}, domerrors.NewNetworkError("mirror download",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	fileName := fileNameFromDisposition(resp.Header.Get("Content-Disposition"))
	if fileName == "" {
		fileName = defaultFileName(req)
	}
	fileName = sanitizeFileName(fileName)
	destPath := filepath.Join(destDir, fileName)

	out, err := os.CreateTemp(destDir, fileName+".part-*")
	if err != nil {
		return stages.DownloadedFile{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := out.Name()

	written, err := copyWithProgress(ctx, out, resp.Body, req.Title, resp.ContentLength)
	closeErr := out.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		if err == nil {
			err = closeErr
		}
		return stages.DownloadedFile{}, domerrors.NewNetworkError("mirror download", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return stages.DownloadedFile{}, fmt.Errorf("finalize download: %w", err)
	}

	slog.InfoContext(ctx, "mirror download finished",
		"file", fileName,
		"size_bytes", written)
	return stages.DownloadedFile{Path: destPath, Size: written}, nil
}

// copyWithProgress streams the body, logging progress every ~5 MiB so long
// transfers are visible without flooding the log.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, title string, total int64) (int64, error) {
	const logEvery = 5 << 20

	var written, lastLogged int64
	buf := make([]byte, 128<<10)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			if written-lastLogged >= logEvery {
				lastLogged = written
				slog.DebugContext(ctx, "download progress",
					"title", title,
					"bytes", written,
					"total", total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// fileNameFromDisposition extracts the server-provided filename, if any.
func fileNameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// defaultFileName builds "Title - First Author.ext" when the server names
// nothing.
func defaultFileName(req stages.DownloadRequest) string {
	author := req.Authors
	if idx := strings.Index(author, ";;"); idx >= 0 {
		author = author[:idx]
	}
	ext := req.Extension
	if ext == "" {
		ext = "epub"
	}
	title := req.Title
	if title == "" {
		title = "untitled"
	}
	if author != "" {
		return fmt.Sprintf("%s - %s.%s", title, author, ext)
	}
	return fmt.Sprintf("%s.%s", title, ext)
}

// sanitizeFileName strips path separators and characters that upset
// common filesystems, and bounds the length.
func sanitizeFileName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", "\x00", "",
	)
	name = replacer.Replace(name)
	name = strings.Trim(name, ". ")
	if name == "" {
		name = "download"
	}
	const maxLen = 200
	if len(name) > maxLen {
		ext := filepath.Ext(name)
		name = name[:maxLen-len(ext)] + ext
	}
	return name
}
