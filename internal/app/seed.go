package app

import (
	"context"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"docsense-go/pkg/errs"
	"docsense-go/pkg/log"
	"docsense-go/pkg/storage"
)

// SeedDir 扫描目录下文件并通过标准上传流程导入。已登记的文件跳过，返回导入的文件数。
func (a *App) SeedDir(ctx context.Context, dir string) int {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("[Seed] 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return 0
	}

	docs, err := a.Documents.List(ctx)
	if err != nil {
		log.Warnf("[Seed] 获取已登记文档失败: %v", err)
		return 0
	}
	registered := make(map[string]bool, len(docs))
	for _, d := range docs {
		registered[d.FileKey] = true
	}

	imported := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if registered[storage.UploadKey(name)] {
			log.Infof("[Seed] 已存在，跳过: %s", name)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			log.Warnf("[Seed] 打开文件失败: %s, err=%v", path, err)
			return nil
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil || fi.Size() == 0 {
			log.Infof("[Seed] 空文件跳过: %s", path)
			return nil
		}

		_, err = a.Documents.Upload(ctx, name, f, fi.Size(), mime.TypeByExtension(filepath.Ext(name)))
		if errs.Is(err, errs.CodeInvalidInput) {
			// 未配置对象存储时后续文件同样无法导入
			log.Warnf("[Seed] 导入中止: %v", err)
			return filepath.SkipAll
		}
		if err != nil {
			log.Warnf("[Seed] 导入失败: %s, err=%v", name, err)
			return nil
		}
		imported++
		log.Infof("[Seed] 导入完成: %s", name)
		return nil
	})
	if walkErr != nil {
		log.Warnf("[Seed] 遍历目录发生错误: %v", walkErr)
	}
	return imported
}
