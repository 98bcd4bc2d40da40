package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/szaher/gitsync/internal/resource"
)

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads manifests stored under a bucket prefix. The revision is a hash
// of the object keys and ETags, so it changes when any object changes.
type S3 struct {
	Client S3API
	Bucket string
	Prefix string
}

// NewS3 creates an S3 source using the default AWS credential chain.
func NewS3(ctx context.Context, bucket, prefix, region string) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}, nil
}

// ListDesiredStates implements engine.Source.
func (s *S3) ListDesiredStates(ctx context.Context, scope resource.Scope) ([]resource.DesiredState, error) {
	files, rev, err := s.Files(ctx)
	if err != nil {
		return nil, err
	}
	return Build(files, rev, scope)
}

// Files downloads every manifest under the prefix.
func (s *S3) Files(ctx context.Context) ([]File, string, error) {
	type object struct{ key, etag string }
	var objects []object
	p := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, "", s.unavailable(ctx, err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if !IsManifest(key) {
				continue
			}
			objects = append(objects, object{key: key, etag: aws.ToString(o.ETag)})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].key < objects[j].key })

	h := sha256.New()
	files := make([]File, 0, len(objects))
	for _, o := range objects {
		fmt.Fprintf(h, "%s\x00%s\x00", o.key, o.etag)
		out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(o.key),
		})
		if err != nil {
			return nil, "", s.unavailable(ctx, err)
		}
		content, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, "", s.unavailable(ctx, err)
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(o.key, s.Prefix), "/")
		files = append(files, File{Path: rel, Content: content})
	}
	return files, fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func (s *S3) unavailable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: s3://%s/%s: %v", ErrSourceUnavailable, s.Bucket, s.Prefix, err)
}
