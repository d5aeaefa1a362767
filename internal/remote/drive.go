// Package remote talks to the remote file store: it resolves the logs folder
// and creates or updates one document per conversation.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	FolderMimeType   = "application/vnd.google-apps.folder"
	DocumentMimeType = "text/markdown"

	DefaultFolderName = "ChatGPT Logs"
)

// Options configures a Client.
type Options struct {
	// Endpoint overrides the store base URL (e.g. "http://127.0.0.1:9000/drive/v3/").
	Endpoint   string
	FolderName string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client is the upsert client for the remote store. The bearer token is
// supplied per call since it is owned by the token manager.
type Client struct {
	endpoint   string
	folderName string
	base       http.RoundTripper
	timeout    time.Duration
	logger     *log.Logger

	lookups singleflight.Group
}

func NewClient(opts Options) *Client {
	folder := strings.TrimSpace(opts.FolderName)
	if folder == "" {
		folder = DefaultFolderName
	}
	var (
		base    http.RoundTripper
		timeout = 30 * time.Second
	)
	if opts.HTTPClient != nil {
		base = opts.HTTPClient.Transport
		if opts.HTTPClient.Timeout > 0 {
			timeout = opts.HTTPClient.Timeout
		}
	}
	if base == nil {
		base = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		endpoint:   strings.TrimSpace(opts.Endpoint),
		folderName: folder,
		base:       base,
		timeout:    timeout,
		logger:     logger,
	}
}

func (c *Client) service(ctx context.Context, token string) (*drive.Service, error) {
	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("init drive service: %w", err)
	}
	return svc, nil
}

// EnsureContainer returns the id of the logs folder, creating it when no
// folder with that exact name exists. Concurrent callers in this process share
// one lookup; two processes racing may still create duplicates.
func (c *Client) EnsureContainer(ctx context.Context, token string) (string, error) {
	v, err, _ := c.lookups.Do("container:"+c.folderName, func() (any, error) {
		return c.ensureContainer(ctx, token)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) ensureContainer(ctx context.Context, token string) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}
	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQueryValue(c.folderName), FolderMimeType)
	list, err := svc.Files.List().Q(q).Fields(googleapi.Field("files(id,name)")).Context(ctx).Do()
	if err != nil {
		return "", FromError(err)
	}
	for _, f := range list.Files {
		if f != nil && f.Id != "" {
			return f.Id, nil
		}
	}

	created, err := svc.Files.Create(&drive.File{
		Name:     c.folderName,
		MimeType: FolderMimeType,
	}).Fields(googleapi.Field("id")).Context(ctx).Do()
	if err != nil {
		return "", FromError(err)
	}
	c.logger.Info("created logs folder", "name", c.folderName, "id", created.Id)
	return created.Id, nil
}

// Upsert creates a document in the container when cachedID is empty, and
// otherwise overwrites the name and content of cachedID in place. Both paths
// send a multipart body: JSON metadata plus the markdown content.
func (c *Client) Upsert(ctx context.Context, token, containerID, cachedID, name, content string) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}
	media := strings.NewReader(content)
	if cachedID == "" {
		created, err := svc.Files.Create(&drive.File{
			Name:     name,
			Parents:  []string{containerID},
			MimeType: DocumentMimeType,
		}).Media(media, googleapi.ContentType(DocumentMimeType)).
			Fields(googleapi.Field("id")).Context(ctx).Do()
		if err != nil {
			return "", FromError(err)
		}
		if created.Id == "" {
			return "", fmt.Errorf("create %q: response carried no id", name)
		}
		return created.Id, nil
	}

	updated, err := svc.Files.Update(cachedID, &drive.File{Name: name}).
		Media(media, googleapi.ContentType(DocumentMimeType)).
		Fields(googleapi.Field("id")).Context(ctx).Do()
	if err != nil {
		return "", FromError(err)
	}
	if updated.Id == "" {
		return cachedID, nil
	}
	return updated.Id, nil
}

func escapeQueryValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}
