package returner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

// JobModel 任务元数据表
type JobModel struct {
	JID       string     `gorm:"column:jid;primaryKey;size:32"`
	Fun       string     `gorm:"size:128;not null"`
	Args      string     `gorm:"type:text"`
	Target    string     `gorm:"type:text"`
	Minions   string     `gorm:"type:text"`
	Status    string     `gorm:"size:32;index"`
	CreatedAt time.Time  `gorm:"index"`
	EndedAt   *time.Time `gorm:""`
}

// TableName 指定表名
func (JobModel) TableName() string { return "dispatch_jobs" }

// ReturnModel 任务结果表，(jid, minion_id) 唯一
type ReturnModel struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	JID        string `gorm:"column:jid;size:32;uniqueIndex:uk_jid_minion"`
	MinionID   string `gorm:"size:128;uniqueIndex:uk_jid_minion"`
	ReturnJSON string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	Retcode    int
	Success    bool
	ReceivedAt time.Time
}

// TableName 指定表名
func (ReturnModel) TableName() string { return "dispatch_returns" }

// SQL mirrors the job cache into an external MySQL or Postgres database.
type SQL struct {
	db *gorm.DB
}

// NewSQL opens the external database and migrates the two tables.
func NewSQL(driver, dsn string) (*SQL, error) {
	var dialector gorm.Dialector

	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&JobModel{}, &ReturnModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &SQL{db: db}, nil
}

// Record inserts the job row.
func (s *SQL) Record(ctx context.Context, rec *types.JobRecord) error {
	args, err := util.MarshalString(rec.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	target, err := util.MarshalString(rec.Target)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	minions, err := util.MarshalString(rec.Minions)
	if err != nil {
		return fmt.Errorf("encode minions: %w", err)
	}

	model := &JobModel{
		JID:       rec.JobID,
		Fun:       rec.Fun,
		Args:      args,
		Target:    target,
		Minions:   minions,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.UTC(),
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// AppendResult stores one reply; duplicates hit the unique index and are
// ignored.
func (s *SQL) AppendResult(ctx context.Context, jobID string, reply *types.Reply) error {
	ret, err := util.MarshalString(reply.Return)
	if err != nil {
		return fmt.Errorf("encode return: %w", err)
	}

	received := reply.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	model := &ReturnModel{
		JID:        jobID,
		MinionID:   reply.MinionID,
		ReturnJSON: ret,
		Error:      reply.Error,
		Retcode:    reply.Retcode,
		Success:    reply.Success,
		ReceivedAt: received.UTC(),
	}
	err = s.db.WithContext(ctx).Create(model).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// Finalize stamps the terminal status.
func (s *SQL) Finalize(ctx context.Context, jobID string, status types.JobStatus, endedAt *time.Time) error {
	updates := map[string]interface{}{"status": string(status)}
	if endedAt != nil {
		t := endedAt.UTC()
		updates["ended_at"] = &t
	}
	res := s.db.WithContext(ctx).Model(&JobModel{}).Where("jid = ?", jobID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrUnknownJob
	}
	return nil
}

// Query reconstructs the report from the mirrored tables.
func (s *SQL) Query(ctx context.Context, jobID string) (*types.JobReport, error) {
	var model JobModel
	err := s.db.WithContext(ctx).Where("jid = ?", jobID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrUnknownJob
	}
	if err != nil {
		return nil, err
	}

	rec := types.JobRecord{
		JobID:     model.JID,
		Fun:       model.Fun,
		Status:    types.JobStatus(model.Status),
		CreatedAt: model.CreatedAt,
		EndedAt:   model.EndedAt,
	}
	if model.Args != "" {
		_ = util.UnmarshalString(model.Args, &rec.Args)
	}
	_ = util.UnmarshalString(model.Target, &rec.Target)
	_ = util.UnmarshalString(model.Minions, &rec.Minions)

	var rows []ReturnModel
	if err := s.db.WithContext(ctx).Where("jid = ?", jobID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	report := &types.JobReport{JobRecord: rec, Replies: make([]*types.Reply, 0, len(rows))}
	replied := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		reply := &types.Reply{
			JobID:      jobID,
			MinionID:   row.MinionID,
			Error:      row.Error,
			Retcode:    row.Retcode,
			Success:    row.Success,
			ReceivedAt: row.ReceivedAt,
		}
		if row.ReturnJSON != "" {
			_ = util.UnmarshalString(row.ReturnJSON, &reply.Return)
		}
		report.Replies = append(report.Replies, reply)
		replied[row.MinionID] = struct{}{}
	}
	for _, id := range rec.Minions {
		if _, ok := replied[id]; !ok {
			report.Missing = append(report.Missing, id)
		}
	}
	if !rec.Status.Terminal() && len(report.Replies) > 0 {
		report.Status = types.JobStatusPartiallyComplete
	}
	report.Latency = latencyFrom(&rec, report.Replies)

	return report, nil
}

// ListJobs returns the newest jobs first.
func (s *SQL) ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []JobModel
	if err := s.db.WithContext(ctx).Order("jid DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}

	jobs := make([]*types.JobRecord, 0, len(models))
	for _, model := range models {
		rec := &types.JobRecord{
			JobID:     model.JID,
			Fun:       model.Fun,
			Status:    types.JobStatus(model.Status),
			CreatedAt: model.CreatedAt,
			EndedAt:   model.EndedAt,
		}
		_ = util.UnmarshalString(model.Target, &rec.Target)
		_ = util.UnmarshalString(model.Minions, &rec.Minions)
		jobs = append(jobs, rec)
	}
	return jobs, nil
}

// Close closes the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
