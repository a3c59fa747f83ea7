package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"coedit/api/internal/store"
)

// ObjectArchive uploads the complete operation log of a closed session to
// an S3-compatible bucket.
type ObjectArchive struct {
	client *minio.Client
	bucket string
}

func NewObjectArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &ObjectArchive{client: client, bucket: bucket}, nil
}

func ObjectKey(session store.Session) string {
	return path.Join("sessions", session.DocumentID, session.ID+".json")
}

func (o *ObjectArchive) Archive(ctx context.Context, session store.Session, ops []store.Operation) error {
	payload, err := encodeRecord(NewRecord(session, ops))
	if err != nil {
		return err
	}
	key := ObjectKey(session)
	_, err = o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"session-id":  session.ID,
			"document-id": session.DocumentID,
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
