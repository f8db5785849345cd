package repository

import (
	"context"
	"errors"

	"fundledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrUnknownEntity   = errors.New("实体不存在")
	ErrInactiveChapter = errors.New("章节未激活")
	ErrNotInChapter    = errors.New("大使不属于该章节")
)

// EntityRepository 组织/章节/大使 层级注册表
// 读多写少；层级关系只存外键 id，通过本仓库查询，不嵌套对象图
type EntityRepository struct {
	db *gorm.DB
}

func NewEntityRepository(db *gorm.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func (r *EntityRepository) CreateOrganization(ctx context.Context, org *model.Organization) error {
	return r.db.WithContext(ctx).Create(org).Error
}

// GetOrganization 查询组织；传入 tx 时在调用方事务内读，避免入账事务外读到旧快照
func (r *EntityRepository) GetOrganization(ctx context.Context, tx *gorm.DB, id int64) (*model.Organization, error) {
	if tx == nil {
		tx = r.db
	}
	var org model.Organization
	err := tx.WithContext(ctx).First(&org, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownEntity
		}
		return nil, err
	}
	return &org, nil
}

func (r *EntityRepository) CreateChapter(ctx context.Context, chapter *model.Chapter) error {
	return r.db.WithContext(ctx).Create(chapter).Error
}

func (r *EntityRepository) GetChapter(ctx context.Context, tx *gorm.DB, id int64) (*model.Chapter, error) {
	if tx == nil {
		tx = r.db
	}
	var chapter model.Chapter
	err := tx.WithContext(ctx).First(&chapter, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownEntity
		}
		return nil, err
	}
	return &chapter, nil
}

// GetActiveChapter 查询章节并校验激活状态
func (r *EntityRepository) GetActiveChapter(ctx context.Context, tx *gorm.DB, id int64) (*model.Chapter, error) {
	chapter, err := r.GetChapter(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !chapter.IsActive {
		return nil, ErrInactiveChapter
	}
	return chapter, nil
}

func (r *EntityRepository) ListChapters(ctx context.Context, orgID int64) ([]*model.Chapter, error) {
	var chapters []*model.Chapter
	query := r.db.WithContext(ctx).Model(&model.Chapter{})
	if orgID > 0 {
		query = query.Where("organization_id = ?", orgID)
	}
	err := query.Order("id ASC").Find(&chapters).Error
	return chapters, err
}

// AssignPresident 指派章节主席，必须是该章节的大使
func (r *EntityRepository) AssignPresident(ctx context.Context, chapterID, ambassadorID int64) error {
	if err := r.CheckMembership(ctx, nil, chapterID, ambassadorID); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Model(&model.Chapter{}).
		Where("id = ?", chapterID).
		Update("president_id", ambassadorID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownEntity
	}
	return nil
}

func (r *EntityRepository) CreateAmbassador(ctx context.Context, amb *model.Ambassador) error {
	return r.db.WithContext(ctx).Create(amb).Error
}

func (r *EntityRepository) GetAmbassador(ctx context.Context, tx *gorm.DB, id int64) (*model.Ambassador, error) {
	if tx == nil {
		tx = r.db
	}
	var amb model.Ambassador
	err := tx.WithContext(ctx).First(&amb, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownEntity
		}
		return nil, err
	}
	return &amb, nil
}

// CheckMembership 校验大使归属于章节
func (r *EntityRepository) CheckMembership(ctx context.Context, tx *gorm.DB, chapterID, ambassadorID int64) error {
	amb, err := r.GetAmbassador(ctx, tx, ambassadorID)
	if err != nil {
		return err
	}
	if amb.ChapterID == nil || *amb.ChapterID != chapterID {
		return ErrNotInChapter
	}
	return nil
}

// CountAmbassadors 章节大使数（拨款绩效用）
func (r *EntityRepository) CountAmbassadors(ctx context.Context, chapterID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Ambassador{}).
		Where("chapter_id = ?", chapterID).
		Count(&count).Error
	return count, err
}
