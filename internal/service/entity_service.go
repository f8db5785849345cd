package service

import (
	"context"
	"fmt"
	"log"

	"fundledger/internal/model"
	"fundledger/internal/repository"

	"gorm.io/gorm"
)

// EntityService 组织/章节/大使注册与层级维护
type EntityService struct {
	entityRepo *repository.EntityRepository
}

func NewEntityService(db *gorm.DB) *EntityService {
	return &EntityService{entityRepo: repository.NewEntityRepository(db)}
}

func (s *EntityService) CreateOrganization(ctx context.Context, name string) (*model.Organization, error) {
	org := &model.Organization{Name: name}
	if err := s.entityRepo.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("创建组织失败: %w", err)
	}
	log.Printf("[Entity] 组织已创建: id=%d, name=%s", org.ID, name)
	return org, nil
}

type CreateChapterRequest struct {
	OrganizationID int64  `json:"organization_id" binding:"required"`
	Name           string `json:"name" binding:"required"`
	Region         string `json:"region"`
	MonthlyBudget  int64  `json:"monthly_budget"`
}

func (s *EntityService) CreateChapter(ctx context.Context, req *CreateChapterRequest) (*model.Chapter, error) {
	if _, err := s.entityRepo.GetOrganization(ctx, nil, req.OrganizationID); err != nil {
		return nil, err
	}
	chapter := &model.Chapter{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Region:         req.Region,
		MonthlyBudget:  req.MonthlyBudget,
		IsActive:       true,
	}
	if err := s.entityRepo.CreateChapter(ctx, chapter); err != nil {
		return nil, fmt.Errorf("创建章节失败: %w", err)
	}
	log.Printf("[Entity] 章节已创建: id=%d, orgID=%d, name=%s", chapter.ID, req.OrganizationID, req.Name)
	return chapter, nil
}

type CreateAmbassadorRequest struct {
	ChapterID int64  `json:"chapter_id"`
	Name      string `json:"name" binding:"required"`
}

func (s *EntityService) CreateAmbassador(ctx context.Context, req *CreateAmbassadorRequest) (*model.Ambassador, error) {
	amb := &model.Ambassador{Name: req.Name}
	if req.ChapterID > 0 {
		if _, err := s.entityRepo.GetChapter(ctx, nil, req.ChapterID); err != nil {
			return nil, err
		}
		amb.ChapterID = &req.ChapterID
	}
	if err := s.entityRepo.CreateAmbassador(ctx, amb); err != nil {
		return nil, fmt.Errorf("创建大使失败: %w", err)
	}
	return amb, nil
}

// AssignPresident 指派章节主席（必须是本章节大使）
func (s *EntityService) AssignPresident(ctx context.Context, chapterID, ambassadorID int64) error {
	if err := s.entityRepo.AssignPresident(ctx, chapterID, ambassadorID); err != nil {
		return err
	}
	log.Printf("[Entity] 章节主席已指派: chapterID=%d, presidentID=%d", chapterID, ambassadorID)
	return nil
}

func (s *EntityService) GetChapter(ctx context.Context, id int64) (*model.Chapter, error) {
	return s.entityRepo.GetChapter(ctx, nil, id)
}

func (s *EntityService) ListChapters(ctx context.Context, orgID int64) ([]*model.Chapter, error) {
	return s.entityRepo.ListChapters(ctx, orgID)
}

func (s *EntityService) GetAmbassador(ctx context.Context, id int64) (*model.Ambassador, error) {
	return s.entityRepo.GetAmbassador(ctx, nil, id)
}
