package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"StoryFlow-server/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

var MinioClient *minio.Client

func InitMinIO() {
	cfg := config.AppConfig.MinIO
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("minio init failed")
	}
	log.Info().Msg("minio connected")
}

// UploadArtifact streams data into the bucket and returns a presigned URL.
func UploadArtifact(ctx context.Context, reader io.Reader, objectName string, size int64) (string, error) {
	cfg := config.AppConfig.MinIO
	bucketName := cfg.Bucket

	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		return "", fmt.Errorf("check bucket failed: %w", err)
	}
	if !exists {
		if err := MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket failed: %w", err)
		}
	}

	contentType := "application/octet-stream"
	switch filepath.Ext(objectName) {
	case ".jpg", ".jpeg":
		contentType = "image/jpeg"
	case ".png":
		contentType = "image/png"
	case ".webp":
		contentType = "image/webp"
	case ".mp4":
		contentType = "video/mp4"
	case ".mp3":
		contentType = "audio/mpeg"
	case ".json":
		contentType = "application/json"
	}

	_, err = MinioClient.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}

	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucketName, objectName, 72*time.Hour, make(url.Values))
	if err != nil {
		return "", fmt.Errorf("presign failed: %w", err)
	}
	log.Info().Str("object", objectName).Msg("artifact uploaded")
	return presignedURL.String(), nil
}

// RehostArtifact downloads a worker-side resource and re-uploads it into
// our bucket, so stage outputs survive the worker's scratch space.
func RehostArtifact(ctx context.Context, sourceURL, objectName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status: %d", resp.StatusCode)
	}
	return UploadArtifact(ctx, resp.Body, objectName, resp.ContentLength)
}
