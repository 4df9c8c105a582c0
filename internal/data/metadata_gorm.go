package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StageMetadataModel 分区元数据表
type StageMetadataModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Domain    string    `gorm:"size:64;not null;uniqueIndex:uk_partition,priority:1"`
	Stage     string    `gorm:"size:16;not null;uniqueIndex:uk_partition,priority:2"`
	StartDate string    `gorm:"size:10;not null;uniqueIndex:uk_partition,priority:3"`
	EndDate   string    `gorm:"size:10;not null;uniqueIndex:uk_partition,priority:4"`
	Branches  string    `gorm:"type:text"`
	Version   string    `gorm:"size:64;not null"`
	Status    string    `gorm:"size:16;not null"`
	LastRun   time.Time `gorm:"not null;index"`
	UpdatedAt time.Time
}

// TableName 表名
func (StageMetadataModel) TableName() string {
	return "stage_metadata"
}

// gormMetadataRepo 基于 gorm 的元数据仓储
type gormMetadataRepo struct {
	db  *gorm.DB
	log *log.Helper
}

// NewGormMetadataRepo 创建 gorm 元数据仓储并自动迁移表结构
func NewGormMetadataRepo(db *gorm.DB, logger log.Logger) (biz.MetadataRepo, error) {
	if err := db.AutoMigrate(&StageMetadataModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate stage_metadata: %w", err)
	}
	return &gormMetadataRepo{
		db:  db,
		log: log.NewHelper(logger),
	}, nil
}

// Read 读取记录，无法解析的行记录警告后跳过
func (r *gormMetadataRepo) Read(ctx context.Context, domain string, stage biz.Stage) ([]*biz.StageMetadata, error) {
	var rows []*StageMetadataModel
	err := r.db.WithContext(ctx).
		Where("domain = ? AND stage = ?", domain, string(stage)).
		Order("last_run ASC, start_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stage_metadata: %w", err)
	}

	records := make([]*biz.StageMetadata, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toBiz()
		if err != nil {
			r.log.Warnf("Skipping corrupt metadata row %d (%s/%s %s_%s): %v", row.ID, domain, stage, row.StartDate, row.EndDate, err)
			continue
		}
		records = append(records, rec)
	}
	biz.SortMetadata(records)
	return records, nil
}

// Write 按 (domain, stage, start, end) 更新或插入
func (r *gormMetadataRepo) Write(ctx context.Context, domain string, stage biz.Stage, rec *biz.StageMetadata) error {
	row := &StageMetadataModel{
		Domain:    domain,
		Stage:     string(stage),
		StartDate: biz.FormatDate(rec.StartDate),
		EndDate:   biz.FormatDate(rec.EndDate),
		Branches:  strings.Join(biz.NormalizeBranches(rec.Branches), ","),
		Version:   rec.Version,
		Status:    string(rec.Status),
		LastRun:   rec.LastRun.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "stage"}, {Name: "start_date"}, {Name: "end_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"branches", "version", "status", "last_run", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert stage_metadata %s/%s %s: %w", domain, stage, rec.Range().Key(), err)
	}
	return nil
}

func (m *StageMetadataModel) toBiz() (*biz.StageMetadata, error) {
	rng, err := biz.ParseDateRange(m.StartDate, m.EndDate)
	if err != nil {
		return nil, err
	}
	status := biz.Status(m.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", m.Status)
	}
	var branches []string
	if m.Branches != "" {
		branches = strings.Split(m.Branches, ",")
	}
	return &biz.StageMetadata{
		StartDate: rng.Start,
		EndDate:   rng.End,
		Branches:  biz.NormalizeBranches(branches),
		Version:   m.Version,
		LastRun:   m.LastRun.UTC(),
		Status:    status,
	}, nil
}
