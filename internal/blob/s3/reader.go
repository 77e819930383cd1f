package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/agentarena/internal/domain"
)

// Reader implements domain.BlobReader over the archive bucket.
type Reader struct {
	client *s3.Client
	bucket string
}

// NewReader creates a Reader for the client's bucket.
func NewReader(c *Client) *Reader {
	return &Reader{client: c.S3(), bucket: c.Bucket()}
}

var _ domain.BlobReader = (*Reader)(nil)

// Get opens the object at path. The caller closes the body. A missing key
// maps to domain.ErrNotFound.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, classify("get", path, err)
	}
	return out.Body, nil
}

// List walks every page under prefix and returns the objects sorted by key.
// Archive keys embed the year and month, so key order is time order.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	pages := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, objectInfo(obj))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Exists reports whether path is present using a HEAD request.
func (r *Reader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classify("head", path, err)
}

func objectInfo(obj types.Object) domain.BlobInfo {
	info := domain.BlobInfo{
		Path: aws.ToString(obj.Key),
		Size: aws.ToInt64(obj.Size),
	}
	if obj.LastModified != nil {
		info.LastModified = obj.LastModified.UTC()
	}
	return info
}

func classify(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3blob: %s %s: %w", op, key, domain.ErrNotFound)
	}
	return fmt.Errorf("s3blob: %s %s: %w", op, key, err)
}

// isNotFound matches the typed NoSuchKey and NotFound errors as well as a
// bare 404, which HeadObject and some S3-compatible stores return instead.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
