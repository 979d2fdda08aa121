// Package storage は死後公開コンテンツのブロブ（音声メッセージ等）の保管参照を提供する。
// ブロブ本体は配信せず、短寿命の署名付きURLのみを発行する。
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// BlobStore はブロブ参照の発行インターフェース。
type BlobStore interface {
	// PresignGet は指定キーのオブジェクトへの署名付きGET URLを発行する。
	PresignGet(ctx context.Context, key string) (string, error)

	// PresignPut は新規キーを採番し、署名付きPUT URLとともに返す。
	PresignPut(ctx context.Context, prefix string) (key string, url string, err error)
}

// S3Store はS3互換ストレージ（AWS S3 / MinIO）を使用したBlobStoreの実装。
type S3Store struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3Store はS3Storeの新しいインスタンスを生成する。
// baseEndpointが空でない場合はMinIO等の互換エンドポイントに接続する。
func NewS3Store(ctx context.Context, bucket, region, accessKey, secretKey, baseEndpoint string, ttl time.Duration) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
			// MinIOは仮想ホスト形式のバケットアドレスに対応しない
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		ttl:     ttl,
	}, nil
}

// NewStorageKey は日付プレフィックス付きの新規オブジェクトキーを採番する。
func NewStorageKey(prefix string) string {
	d := time.Now()
	return fmt.Sprintf("%s/%d/%02d/%02d/%v", prefix, d.Year(), d.Month(), d.Day(), uuid.New())
}

// PresignGet は指定キーのオブジェクトへの署名付きGET URLを発行する。
// 署名はローカルで計算され、ストレージへの通信は発生しない。
func (s *S3Store) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign GET for %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignPut は新規キーを採番し、署名付きPUT URLとともに返す。
func (s *S3Store) PresignPut(ctx context.Context, prefix string) (string, string, error) {
	key := NewStorageKey(prefix)

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", "", fmt.Errorf("failed to presign PUT for %s: %w", key, err)
	}
	return key, req.URL, nil
}

// compile-time interface check
var _ BlobStore = (*S3Store)(nil)
