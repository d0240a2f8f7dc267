package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// multipartThreshold is the payload size above which Put switches to the
// multipart upload manager. It is also the S3 minimum part size.
const multipartThreshold = 5 * 1024 * 1024

// Writer implements domain.BlobWriter.
type Writer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer for c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client:   c.s3,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) { u.PartSize = multipartThreshold }),
		bucket:   c.bucket,
	}
}

// Put uploads data to path. Buffered payloads larger than the threshold, and
// streams of unknown size, go through the multipart uploader.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	}
	if b, ok := data.(*bytes.Reader); ok && b.Len() <= multipartThreshold {
		if _, err := w.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("s3blob: put object %s: %w", path, err)
		}
		return nil
	}
	if _, err := w.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
