package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

const metaDirName = "_meta"

// fsMetadataRepo 文件系统元数据仓储，每个分区一个 JSON 文件
// <root>/<layer>/<domain>/_meta/<start>_<end>.json
type fsMetadataRepo struct {
	root string
	log  *log.Helper
}

// NewFSMetadataRepo 创建文件系统元数据仓储
func NewFSMetadataRepo(root string, logger log.Logger) biz.MetadataRepo {
	return &fsMetadataRepo{
		root: root,
		log:  log.NewHelper(logger),
	}
}

func (r *fsMetadataRepo) dir(domain string, stage biz.Stage) string {
	return filepath.Join(r.root, stage.Layer(), domain, metaDirName)
}

// Read 读取全部记录，损坏或无法读取的文件记录警告后跳过
func (r *fsMetadataRepo) Read(ctx context.Context, domain string, stage biz.Stage) ([]*biz.StageMetadata, error) {
	dir := r.dir(domain, stage)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warnf("Failed to list metadata dir %s, treating as empty: %v", dir, err)
		}
		return nil, nil
	}

	var records []*biz.StageMetadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(dir, name)
		rec, err := readMetadataFile(path)
		if err != nil {
			r.log.Warnf("Skipping corrupt metadata file %s: %v", path, err)
			continue
		}
		if key := strings.TrimSuffix(name, ".json"); key != rec.Range().Key() {
			r.log.Warnf("Skipping metadata file %s: content covers %s", path, rec.Range().Key())
			continue
		}
		records = append(records, rec)
	}

	biz.SortMetadata(records)
	return records, nil
}

func readMetadataFile(path string) (*biz.StageMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := &biz.StageMetadata{}
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Write 原子写入记录，替换同一范围的旧文件
func (r *fsMetadataRepo) Write(ctx context.Context, domain string, stage biz.Stage, rec *biz.StageMetadata) error {
	if stage.Layer() == "" {
		return fmt.Errorf("invalid stage %q", stage)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	path := filepath.Join(r.dir(domain, stage), rec.Range().Key()+".json")
	if err := writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(append(b, '\n'))
		return err
	}); err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", path, err)
	}
	return nil
}
