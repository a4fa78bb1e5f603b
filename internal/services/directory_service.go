package services

import (
	"context"

	"gorm.io/gorm"

	"example.com/storefront/services/dispatch/internal/cache"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/repositories"
)

// UserStore is the read surface for the user directory.
type UserStore interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

// DirectoryService resolves users with a cache-aside Redis layer in front of
// the store. Used by the alert watcher to enrich notifications.
type DirectoryService struct {
	userRepo UserStore
	cache    *cache.RedisCache
}

// NewDirectoryService creates a new directory service
func NewDirectoryService(db *gorm.DB, redisCache *cache.RedisCache) *DirectoryService {
	return &DirectoryService{
		userRepo: repositories.NewUserRepository(db),
		cache:    redisCache,
	}
}

// GetUser returns a user by id, consulting the cache first.
func (s *DirectoryService) GetUser(ctx context.Context, id uint) (*models.User, error) {
	if user, ok := s.cache.GetUser(ctx, id); ok {
		return user, nil
	}

	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.SetUser(ctx, user)
	return user, nil
}
