// Package dataverse implements the remote transport against a Dataverse
// repository's native API.
package dataverse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/dataverse-sync/internal/engine"
	dverrors "github.com/alexjbarnes/dataverse-sync/internal/errors"
)

// Client talks to one dataset on a Dataverse server. It implements
// engine.Transport once ResolveDataset has bound the numeric dataset id.
type Client struct {
	httpClient   *http.Client
	uploadClient *http.Client
	baseURL      string
	token        string
	persistentID string
	logger       *slog.Logger

	datasetID int64
}

// NewClient creates a client for the dataset identified by persistentID.
// Metadata calls use httpTimeout; uploads use uploadTimeout, which needs
// far more headroom for large files.
func NewClient(baseURL, token, persistentID string, httpTimeout, uploadTimeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: httpTimeout},
		uploadClient: &http.Client{Timeout: uploadTimeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		persistentID: persistentID,
		logger:       logger,
	}
}

// ResolveDataset looks up the dataset's numeric id from its persistent
// identifier. Must be called once before ListFiles or lock operations.
func (c *Client) ResolveDataset(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/datasets/:persistentId/?persistentId=%s",
		c.baseURL, url.QueryEscape(c.persistentID))

	body, err := c.do(ctx, c.httpClient, http.MethodGet, endpoint)
	if err != nil {
		return fmt.Errorf("resolving dataset %s: %w", c.persistentID, err)
	}

	id := gjson.GetBytes(body, "data.id")
	if !id.Exists() {
		return fmt.Errorf("resolving dataset %s: %w: missing data.id", c.persistentID, dverrors.ErrAPIResponse)
	}
	c.datasetID = id.Int()

	c.logger.Info("dataset resolved",
		slog.String("persistent_id", c.persistentID),
		slog.Int64("dataset_id", c.datasetID),
	)

	return nil
}

// DatasetID returns the resolved numeric dataset id.
func (c *Client) DatasetID() int64 {
	return c.datasetID
}

// ListFiles returns the dataset's current draft file listing. Each entry
// carries the MD5 checksum the server computed at ingest, which is the
// deduplication identity shared with the local side.
func (c *Client) ListFiles(ctx context.Context) ([]engine.RemoteFileDescriptor, error) {
	if c.datasetID == 0 {
		return nil, fmt.Errorf("listing files: dataset not resolved")
	}

	endpoint := fmt.Sprintf("%s/api/datasets/%d/versions/:draft/files", c.baseURL, c.datasetID)

	body, err := c.do(ctx, c.httpClient, http.MethodGet, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() || !data.IsArray() {
		// The backend returns partial state under load; the inventory
		// retries on this class rather than failing the run.
		return nil, fmt.Errorf("listing files: %w: missing data array", dverrors.ErrAPIResponse)
	}

	var files []engine.RemoteFileDescriptor
	data.ForEach(func(_, entry gjson.Result) bool {
		df := entry.Get("dataFile")
		md5sum := df.Get("md5").Str
		if md5sum == "" {
			md5sum = df.Get("checksum.value").Str
		}
		files = append(files, engine.RemoteFileDescriptor{
			ContentHash: md5sum,
			RemoteID:    df.Get("id").Int(),
		})
		return true
	})

	return files, nil
}

// LockStatus reports whether any lock is currently held on the dataset.
func (c *Client) LockStatus(ctx context.Context) (bool, error) {
	if c.datasetID == 0 {
		return false, fmt.Errorf("querying locks: dataset not resolved")
	}

	endpoint := fmt.Sprintf("%s/api/datasets/%d/locks", c.baseURL, c.datasetID)

	body, err := c.do(ctx, c.httpClient, http.MethodGet, endpoint)
	if err != nil {
		return false, fmt.Errorf("querying locks: %w", err)
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() || !data.IsArray() {
		return false, fmt.Errorf("querying locks: %w: missing data array", dverrors.ErrAPIResponse)
	}

	locks := data.Array()
	if len(locks) > 0 {
		c.logger.Debug("dataset locks present",
			slog.Int("count", len(locks)),
			slog.String("first_type", locks[0].Get("lockType").Str),
		)
	}

	return len(locks) > 0, nil
}

// BreakLocks removes all locks on the dataset. Destructive toward other
// writers; only the explicit force-unlock path calls it.
func (c *Client) BreakLocks(ctx context.Context) error {
	if c.datasetID == 0 {
		return fmt.Errorf("breaking locks: dataset not resolved")
	}

	endpoint := fmt.Sprintf("%s/api/datasets/%d/locks", c.baseURL, c.datasetID)

	if _, err := c.do(ctx, c.httpClient, http.MethodDelete, endpoint); err != nil {
		return fmt.Errorf("breaking locks: %w", err)
	}

	return nil
}

// UploadFile streams one file to the dataset as a multipart add,
// registering its metadata in the same request.
func (c *Client) UploadFile(ctx context.Context, rec engine.FileRecord) (engine.UploadAck, error) {
	endpoint := fmt.Sprintf("%s/api/datasets/:persistentId/add?persistentId=%s",
		c.baseURL, url.QueryEscape(c.persistentID))

	f, err := os.Open(rec.AbsPath)
	if err != nil {
		return engine.UploadAck{}, fmt.Errorf("opening %s: %w", rec.Path, err)
	}
	defer f.Close()

	// Stream the multipart body through a pipe so large files are never
	// buffered in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeMultipart(mw, f, rec)
		mw.Close()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return engine.UploadAck{}, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("X-Dataverse-key", c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return engine.UploadAck{}, fmt.Errorf("uploading %s: %w: %v", rec.Path, dverrors.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.UploadAck{}, fmt.Errorf("reading upload response: %w: %v", dverrors.ErrRemoteUnavailable, err)
	}

	if err := classify(resp.StatusCode, body); err != nil {
		return engine.UploadAck{}, fmt.Errorf("uploading %s: %w", rec.Path, err)
	}

	df := gjson.GetBytes(body, "data.files.0.dataFile")
	if !df.Exists() {
		return engine.UploadAck{}, fmt.Errorf("uploading %s: %w: missing data.files", rec.Path, dverrors.ErrAPIResponse)
	}

	md5sum := df.Get("md5").Str
	if md5sum == "" {
		md5sum = df.Get("checksum.value").Str
	}

	return engine.UploadAck{
		RemoteID:    df.Get("id").Int(),
		ContentHash: md5sum,
	}, nil
}

func writeMultipart(mw *multipart.Writer, f *os.File, rec engine.FileRecord) error {
	jsonData := fmt.Sprintf(`{"description":%q,"directoryLabel":%q,"tabIngest":"false","restrict":"false"}`,
		rec.Meta.Description, rec.Meta.DirectoryLabel)
	if err := mw.WriteField("jsonData", jsonData); err != nil {
		return fmt.Errorf("writing jsonData part: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filepathBase(rec.Path)))
	contentType := rec.Meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}

	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("streaming file: %w", err)
	}

	return nil
}

func filepathBase(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// CleanupReport summarizes a storage cleanup pass.
type CleanupReport struct {
	Found   []string
	Deleted []string
}

// CleanupStorage lists (dryRun) or removes (not dryRun) storage objects
// that are not registered to any dataset file.
func (c *Client) CleanupStorage(ctx context.Context, dryRun bool) (CleanupReport, error) {
	endpoint := fmt.Sprintf("%s/api/datasets/:persistentId/cleanStorage?persistentId=%s&dryrun=%t",
		c.baseURL, url.QueryEscape(c.persistentID), dryRun)

	body, err := c.do(ctx, c.httpClient, http.MethodGet, endpoint)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("cleaning storage: %w", err)
	}

	msg := gjson.GetBytes(body, "data.message").Str
	if msg == "" {
		return CleanupReport{}, fmt.Errorf("cleaning storage: %w: missing data.message", dverrors.ErrAPIResponse)
	}

	return parseCleanupMessage(msg), nil
}

// parseCleanupMessage splits the server's "Found: a, b\nDeleted: c"
// free-text summary into its item lists.
func parseCleanupMessage(msg string) CleanupReport {
	var report CleanupReport

	foundPart := msg
	deletedPart := ""
	if idx := strings.Index(msg, "\nDeleted:"); idx >= 0 {
		foundPart = msg[:idx]
		deletedPart = msg[idx+len("\nDeleted:"):]
	}

	report.Found = splitItems(strings.TrimPrefix(foundPart, "Found: "))
	report.Deleted = splitItems(deletedPart)

	return report
}

func splitItems(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// do performs an authenticated request and returns the body on success,
// or a classified error on failure.
func (c *Client) do(ctx context.Context, client *http.Client, method, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Dataverse-key", c.token)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", dverrors.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", dverrors.ErrRemoteUnavailable, err)
	}

	if err := classify(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// classify maps an HTTP status and response body to the engine's error
// taxonomy. The server reports a bad API key either as a 401 or as a
// 200 body with status ERROR, so both are checked.
func classify(status int, body []byte) error {
	message := gjson.GetBytes(body, "message").Str

	if strings.Contains(strings.ToLower(message), "api key") {
		return fmt.Errorf("%w: %s", dverrors.ErrAuthentication, message)
	}

	switch {
	case status >= 200 && status < 300:
		if gjson.GetBytes(body, "status").Str == "ERROR" {
			return fmt.Errorf("%w: %s", dverrors.ErrRemoteRejected, message)
		}
		return nil

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", dverrors.ErrAuthentication, status, message)

	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", dverrors.ErrDatasetNotFound, message)

	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", dverrors.ErrRemoteUnavailable, status, message)

	default:
		return fmt.Errorf("%w: HTTP %d: %s", dverrors.ErrRemoteRejected, status, message)
	}
}
