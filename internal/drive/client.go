package drive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const mimeTypeFolder = "application/vnd.google-apps.folder"

// FileInfo is the metadata subset of a stored file that the change detector
// and upload path care about.
type FileInfo struct {
	ID         string
	Name       string
	MimeType   string
	Size       int64
	ModifiedAt time.Time
	ModifiedBy string
}

// Client is the interface to the monitored document store.
type Client interface {
	ListFolder(ctx context.Context) ([]FileInfo, error)
	Upload(ctx context.Context, name, mimeType string, data []byte) (*FileInfo, error)
}

// GoogleClient implements Client against the Drive v3 API using a service
// account, scoped to a single shared folder.
type GoogleClient struct {
	svc      *drive.Service
	folderID string
}

// NewGoogleClient builds a Drive client from a service account credentials
// file. An empty credentialsFile falls back to application default
// credentials.
func NewGoogleClient(ctx context.Context, credentialsFile, folderID string) (*GoogleClient, error) {
	opts := []option.ClientOption{option.WithScopes(drive.DriveScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &GoogleClient{svc: svc, folderID: folderID}, nil
}

// ListFolder returns every non-trashed, non-folder file in the shared
// folder, following pagination to the end.
func (c *GoogleClient) ListFolder(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo
	pageToken := ""

	for {
		call := c.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", c.folderID)).
			Fields("nextPageToken, files(id, name, mimeType, size, modifiedTime, lastModifyingUser(emailAddress))").
			PageSize(1000).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list drive folder: %w", err)
		}

		for _, f := range list.Files {
			if f.MimeType == mimeTypeFolder {
				continue
			}
			files = append(files, toFileInfo(f))
		}

		if list.NextPageToken == "" {
			return files, nil
		}
		pageToken = list.NextPageToken
	}
}

// Upload stores a validated file into the shared folder and returns its
// assigned metadata.
func (c *GoogleClient) Upload(ctx context.Context, name, mimeType string, data []byte) (*FileInfo, error) {
	meta := &drive.File{
		Name:     name,
		MimeType: mimeType,
		Parents:  []string{c.folderID},
	}

	created, err := c.svc.Files.Create(meta).
		Media(bytes.NewReader(data)).
		Fields("id, name, mimeType, size, modifiedTime, lastModifyingUser(emailAddress)").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("upload to drive: %w", err)
	}

	info := toFileInfo(created)
	return &info, nil
}

func toFileInfo(f *drive.File) FileInfo {
	info := FileInfo{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		info.ModifiedAt = t
	}
	if f.LastModifyingUser != nil {
		info.ModifiedBy = f.LastModifyingUser.EmailAddress
	}
	return info
}
