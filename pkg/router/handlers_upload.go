package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// uploadPath builds the staged-upload path for a file, rejecting ".",
// "..", and any name that is not its own filepath.Base — spec.md §4.4 calls out
// path traversal explicitly for FILE/CHUNK/END.
func uploadPath(dataDir string, userID int64, name string) (string, *Error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", Fail(KindBadInput, fmt.Errorf("router: invalid upload name %q", name))
	}
	dir := filepath.Join(dataDir, strconv.FormatInt(userID, 10), "tmp")
	return filepath.Join(dir, name), nil
}

func handleFile(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	name := params[0]
	path, perr := uploadPath(r.cfg.DataDir, c.Session.UserID(), name)
	if perr != nil {
		return "", nil, perr
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	if err := c.openUpload(name, f); err != nil {
		f.Close()
		return "", nil, Fail(KindBadInput, err)
	}
	return "OK", nil, nil
}

func handleChunk(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 2 {
		return "", nil, Fail(KindBadInput, nil)
	}
	name := params[0]
	f, ok := c.getUpload(name)
	if !ok {
		return "", nil, Fail(KindBadInput, fmt.Errorf("router: no open upload %q", name))
	}
	data, err := base64.StdEncoding.DecodeString(params[1])
	if err != nil {
		return "", nil, Fail(KindBadInput, err)
	}
	if _, err := f.Write(data); err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "OK", nil, nil
}

func handleEnd(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	c.closeUpload(params[0])
	return "OK", nil, nil
}

// handleGetFileContent OCRs a staged upload and replies with its
// extracted text.
func handleGetFileContent(ctx context.Context, c *Conn, r *Router, params []string) (string, []string, *Error) {
	if len(params) != 1 {
		return "", nil, Fail(KindBadInput, nil)
	}
	path, perr := uploadPath(r.cfg.DataDir, c.Session.UserID(), params[0])
	if perr != nil {
		return "", nil, perr
	}
	text, err := r.cfg.OCR.ExtractText(ctx, path)
	if err != nil {
		return "", nil, Fail(KindStorageFailure, err)
	}
	return "FILECONTENT", []string{text}, nil
}
