package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// EnsureChannel 确保某个渠道存在；已存在时只同步名称与地址
func (s *Store) EnsureChannel(ctx context.Context, ch Channel) (*Channel, error) {
	existing := &Channel{}
	err := s.DB.WithContext(ctx).Where("code = ?", ch.Code).First(existing).Error
	if err == nil {
		if existing.Name != ch.Name || existing.BaseURL != ch.BaseURL {
			if err := s.DB.WithContext(ctx).Model(existing).Updates(map[string]any{
				"name":     ch.Name,
				"base_url": ch.BaseURL,
			}).Error; err != nil {
				return nil, fmt.Errorf("update channel %s: %w", ch.Code, err)
			}
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup channel %s: %w", ch.Code, err)
	}

	if ch.Status == "" {
		ch.Status = "active"
	}
	if err := s.DB.WithContext(ctx).Create(&ch).Error; err != nil {
		return nil, fmt.Errorf("create channel %s: %w", ch.Code, err)
	}
	return &ch, nil
}
