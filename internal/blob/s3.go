package blob

import (
	"context"

	infraS3 "herbtrace/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration type.
type S3Config = infraS3.Config

// NewS3 constructs an S3-backed Store from cfg.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3ForTests returns an S3 store served by an in-process fake bucket.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
