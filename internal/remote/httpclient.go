package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/fsupload/engine/internal/task"
)

// HTTPClient implements UnaryClient over discrete REST calls, one per Large
// Upload Worker step (spec.md §4.5, §6). Each call gets its own
// retryablehttp round trip instead of the teacher's hand-rolled
// doRetry/calcBackoff loop in graph/client.go — retryablehttp is a pack
// dependency (rescale-labs-Rescale_Interlink) suited to exactly this "unary call,
// exponential backoff, bounded attempts" shape, and it frees this client
// from re-implementing backoff math the teacher wrote by hand.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

// NewHTTPClient builds a retryablehttp-backed client. baseURL is the root
// of the remote REST surface (e.g. "https://api.example.internal/v1").
func NewHTTPClient(baseURL string, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.Logger = nil // structured logging goes through slog below, not retryablehttp's own logger
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		logger.Debug("remote http request", slog.String("method", req.Method), slog.String("url", req.URL.String()), slog.Int("attempt", attempt))
	}

	return &HTTPClient{baseURL: baseURL, client: rc, logger: logger}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody any, respBody any) (int, error) {
	var bodyReader io.Reader

	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("remote: marshal request body: %w", err)
		}

		bodyReader = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("remote: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransientNet, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result int             `json:"result"`
		Data   json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("remote: decode response: %w", err)
	}

	if envelope.Result != 0 {
		return envelope.Result, nil
	}

	if respBody != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, respBody); err != nil {
			return 0, fmt.Errorf("remote: decode response data: %w", err)
		}
	}

	return 0, nil
}

func (c *HTTPClient) UploadCreate(ctx context.Context, filesize int64) (UploadHandle, error) {
	var out struct {
		UploadID int64 `json:"uploadid"`
	}

	code, err := c.doJSON(ctx, http.MethodPost, "/upload_create", map[string]any{"filesize": filesize}, &out)
	if err != nil {
		return UploadHandle{}, err
	}

	if code != 0 {
		return UploadHandle{}, Classify(task.Type(0), code)
	}

	return UploadHandle{UploadID: out.UploadID}, nil
}

func (c *HTTPClient) UploadWrite(ctx context.Context, uploadID int64, offset int64, length int64, body io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(body, length))
	if err != nil {
		return fmt.Errorf("remote: read upload chunk: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/upload_write?uploadid=%d&uploadoffset=%d", c.baseURL, uploadID, offset), bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("remote: build upload_write request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNet, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result int `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("remote: decode upload_write response: %w", err)
	}

	if envelope.Result != 0 {
		return Classify(task.Type(0), envelope.Result)
	}

	return nil
}

func (c *HTTPClient) UploadInfo(ctx context.Context, uploadID int64) (UploadInfo, error) {
	var out struct {
		Checksum string `json:"checksum"`
		Size     int64  `json:"size"`
	}

	code, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/upload_info?uploadid=%d", uploadID), nil, &out)
	if err != nil {
		return UploadInfo{}, err
	}

	if code != 0 {
		return UploadInfo{}, Classify(task.Type(0), code)
	}

	return UploadInfo{Checksum: out.Checksum, Size: out.Size}, nil
}

func (c *HTTPClient) UploadSave(ctx context.Context, folderID int64, name string, uploadID int64) (FileResult, error) {
	var out struct {
		FileID int64  `json:"fileid"`
		Hash   string `json:"hash"`
	}

	req := map[string]any{
		"folderid": folderID,
		"name":     name,
		"uploadid": uploadID,
		"ifhash":   "new",
	}

	code, err := c.doJSON(ctx, http.MethodPost, "/upload_save", req, &out)
	if err != nil {
		return FileResult{}, err
	}

	if code != 0 {
		// upload_save shares its error policy with CreateFile.Process —
		// both wrap handle_upload_api_error_taskid in pfsupload.c (:242).
		return FileResult{}, Classify(task.CreateFile, code)
	}

	return FileResult{FileID: out.FileID, Hash: out.Hash}, nil
}

func (c *HTTPClient) UploadDelete(ctx context.Context, uploadID int64) error {
	code, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/upload_delete?uploadid=%d", uploadID), nil, nil)
	if err != nil {
		return err
	}

	if code != 0 {
		return Classify(task.Type(0), code)
	}

	return nil
}
