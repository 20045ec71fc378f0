package objstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// ListObjectsV2API is the one S3 operation the lister needs. *s3.Client
// satisfies it; tests provide fakes.
type ListObjectsV2API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Object is one listed entry.
type Object struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
}

// Query selects objects under a bucket. When Key is set, Prefix is ignored
// and Key is used as the listing prefix, so keys that extend it (for example
// "a.jpg.bak" after "a.jpg") are listed as well. MaxFiles caps emission; zero
// means unbounded.
type Query struct {
	Bucket    string
	Prefix    string
	Key       string
	Recursive bool
	Filter    KeyFilter
	MaxFiles  int
}

// Lister walks paginated bucket listings.
type Lister struct {
	api ListObjectsV2API
}

func NewLister(api ListObjectsV2API) *Lister { return &Lister{api: api} }

// StreamObjects calls fn for every object matching q, page by page, stopping
// early when fn returns an error or MaxFiles is reached. Listing order is the
// store's order. Store errors surface directly; there are no retries here.
func (l *Lister) StreamObjects(ctx context.Context, q Query, fn func(Object) error) error {
	prefix := q.Prefix
	if q.Key != "" {
		prefix = q.Key
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(q.Bucket),
		Prefix: aws.String(prefix),
	}
	if !q.Recursive {
		input.Delimiter = aws.String("/")
	}

	emitted := 0
	for {
		page, err := l.api.ListObjectsV2(ctx, input)
		if err != nil {
			return fmt.Errorf("list s3://%s/%s: %w", q.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !q.Filter.Match(key) {
				continue
			}
			if q.MaxFiles > 0 && emitted >= q.MaxFiles {
				return nil
			}
			o := Object{Bucket: q.Bucket, Key: key, ETag: aws.ToString(obj.ETag)}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if err := fn(o); err != nil {
				return err
			}
			emitted++
		}
		if q.MaxFiles > 0 && emitted >= q.MaxFiles {
			return nil
		}
		if !aws.ToBool(page.IsTruncated) {
			return nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}

// ListPrefixesAtDepth expands base's child prefixes breadth-first, depth
// times, using "/"-delimited listings. Every level is paginated to
// exhaustion. When a level yields no children the previous level is returned
// instead of an empty result.
func (l *Lister) ListPrefixesAtDepth(ctx context.Context, bucket, base string, depth int) ([]string, error) {
	current := []string{base}
	for level := 0; level < depth; level++ {
		var next []string
		for _, p := range current {
			children, err := l.listChildPrefixes(ctx, bucket, p)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		if len(next) == 0 {
			log.Debug().
				Str("bucket", bucket).
				Str("base", base).
				Int("level", level).
				Msg("no child prefixes at level, keeping previous")
			return current, nil
		}
		current = next
	}
	return current, nil
}

func (l *Lister) listChildPrefixes(ctx context.Context, bucket, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}
	var out []string
	for {
		page, err := l.api.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list prefixes s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			out = append(out, aws.ToString(cp.Prefix))
		}
		if !aws.ToBool(page.IsTruncated) {
			return out, nil
		}
		input.ContinuationToken = page.NextContinuationToken
	}
}
