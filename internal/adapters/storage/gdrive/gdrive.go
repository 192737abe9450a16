package gdrive

import (
	"context"
	"path"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/ports"
)

// Client implements ports.StorageProvider on Google Drive. Drive has no
// paths, so the object key is flattened into the file name and the returned
// ObjectKey is the Drive file ID.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, apperrors.Validation("object_key is required")
	}

	file := &drive.File{
		Name:       FileName(in.ObjectKey),
		MimeType:   in.ContentType,
		Properties: map[string]string{"objectKey": in.ObjectKey},
	}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).SupportsAllDrives(true).Fields("id", "size")
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, apperrors.Wrap(err, "gdrive.put", "gdrive upload failed")
	}

	size := created.Size
	if size == 0 {
		size = in.Size
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: size}, nil
}

// FileName turns renders/<id>/output.mp4 into render-<id>.mp4. Keys of any
// other shape have their slashes replaced.
func FileName(key string) string {
	dir, base := path.Split(key)
	dir = path.Clean(dir)
	if path.Dir(dir) == "renders" {
		return "render-" + path.Base(dir) + path.Ext(base)
	}
	out := []byte(key)
	for i, b := range out {
		if b == '/' {
			out[i] = '_'
		}
	}
	return string(out)
}
