// Package storage提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"docsense-go/internal/config"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// 对象前缀：原始上传文件和提取出的纯文本分开存放。
const (
	UploadPrefix = "uploads/"
	TextPrefix   = "texts/"
)

// UploadKey 返回原始文件的对象名，同时作为文档的 file_key。
func UploadKey(fileName string) string {
	return UploadPrefix + path.Base(strings.ReplaceAll(fileName, "\\", "/"))
}

// TextKey 返回提取文本的对象名：texts/<去掉扩展名的文件名>.txt。
func TextKey(fileKey string) string {
	base := path.Base(fileKey)
	return TextPrefix + strings.TrimSuffix(base, path.Ext(base)) + ".txt"
}

// ObjectStore 封装了一个 MinIO 存储桶。
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*ObjectStore, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
	}
	return &ObjectStore{client: client, bucket: cfg.BucketName}, nil
}

// Put 上传一个对象，size 未知时传 -1。
func (s *ObjectStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传对象 %s 失败: %w", key, err)
	}
	return nil
}

// PutText 以 UTF-8 纯文本保存内容。
func (s *ObjectStore) PutText(ctx context.Context, key, text string) error {
	return s.Put(ctx, key, bytes.NewReader([]byte(text)), int64(len(text)), "text/plain; charset=utf-8")
}

// Get 读取完整的对象内容。
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("从 MinIO 下载对象 %s 失败: %w", key, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errs.Errorf(errs.CodeNotFound, "storage.Get", "对象 %s 不存在", key)
		}
		return nil, fmt.Errorf("读取 MinIO 对象 %s 失败: %w", key, err)
	}
	return b, nil
}

// Delete 删除对象，对象不存在时不报错。
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", key, err)
	}
	return nil
}
