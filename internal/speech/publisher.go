package speech

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads every artifact produced by the wrapped synthesizer and
// returns its s3:// location instead of the local path.
type S3Publisher struct {
	next   Synthesizer
	client s3PutAPI
	bucket string
	prefix string
}

var _ Synthesizer = (*S3Publisher)(nil)

func NewS3Publisher(next Synthesizer, client s3PutAPI, bucket, prefix string) *S3Publisher {
	if next == nil {
		panic("speech: synthesizer cannot be nil")
	}
	if client == nil {
		panic("speech: s3 client cannot be nil")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("speech: bucket cannot be empty")
	}
	return &S3Publisher{next: next, client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (p *S3Publisher) Synthesize(ctx context.Context, text, recipient string) (string, error) {
	local, err := p.next.Synthesize(ctx, text, recipient)
	if err != nil {
		return "", err
	}
	f, err := os.Open(local)
	if err != nil {
		return "", fmt.Errorf("speech: open artifact: %w", err)
	}
	defer f.Close()

	key := path.Join(p.prefix, filepath.Base(local))
	if _, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("audio/ogg"),
	}); err != nil {
		return "", fmt.Errorf("speech: upload artifact: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}
