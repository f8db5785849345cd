package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"fundledger/internal/config"
	"fundledger/internal/infrastructure/database"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/model"
	"fundledger/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试独立的内存库，避免用例间互相污染
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite 单写者，串行化连接避免 database is locked
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

type testEnv struct {
	db      *gorm.DB
	cfg     *config.Config
	lockMgr lock.Manager
	ledger  *LedgerService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := config.Default()
	lockMgr := lock.NewLocalManager()
	return &testEnv{
		db:      db,
		cfg:     cfg,
		lockMgr: lockMgr,
		ledger:  NewLedgerService(db, lockMgr, cfg),
	}
}

// seedHierarchy 组织 -> 章节 -> 大使（兼主席）
func seedHierarchy(t *testing.T, db *gorm.DB) (*model.Organization, *model.Chapter, *model.Ambassador) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewEntityRepository(db)

	org := &model.Organization{Name: "测试组织-" + t.Name()}
	require.NoError(t, repo.CreateOrganization(ctx, org))

	chapter := &model.Chapter{
		OrganizationID: org.ID,
		Name:           "上海章节",
		Region:         "华东",
		MonthlyBudget:  800000,
		IsActive:       true,
	}
	require.NoError(t, repo.CreateChapter(ctx, chapter))

	amb := &model.Ambassador{Name: "张三", ChapterID: &chapter.ID}
	require.NoError(t, repo.CreateAmbassador(ctx, amb))
	require.NoError(t, repo.AssignPresident(ctx, chapter.ID, amb.ID))
	chapter.PresidentID = &amb.ID

	return org, chapter, amb
}

// addAmbassador 再挂一个普通大使
func addAmbassador(t *testing.T, db *gorm.DB, chapterID int64, name string) *model.Ambassador {
	t.Helper()
	repo := repository.NewEntityRepository(db)
	amb := &model.Ambassador{Name: name, ChapterID: &chapterID}
	require.NoError(t, repo.CreateAmbassador(context.Background(), amb))
	return amb
}

// allocate 给章节拨一笔预算
func (e *testEnv) allocate(t *testing.T, orgID, chapterID, amount int64) {
	t.Helper()
	_, err := e.ledger.Commit(context.Background(), &CommitRequest{
		Kind:     model.TxnKindAllocation,
		FromID:   orgID,
		FromType: model.EntityTypeOrganization,
		ToID:     chapterID,
		ToType:   model.EntityTypeChapter,
		Amount:   amount,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)
}
