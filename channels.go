package main

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChannelStore persists the chats a tenant's bot administers.
type ChannelStore struct {
	db *gorm.DB
}

func NewChannelStore(db *gorm.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

// Upsert links chatID to the tenant. Relinking a known chat only refreshes its title.
func (s *ChannelStore) Upsert(ctx context.Context, tenantID uint, chatID int64, title string) (ChannelLink, error) {
	link := ChannelLink{TenantID: tenantID, ChatID: chatID, Title: optionalString(title), AutoApprove: true}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title"}),
	}).Create(&link).Error
	if err != nil {
		return ChannelLink{}, fmt.Errorf("failed to link chat %d: %w", chatID, err)
	}
	return link, nil
}

func (s *ChannelStore) List(ctx context.Context, tenantID uint) ([]ChannelLink, error) {
	var links []ChannelLink
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id desc").Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return links, nil
}

func (s *ChannelStore) Delete(ctx context.Context, tenantID, id uint) error {
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&ChannelLink{}).Error
	if err != nil {
		return fmt.Errorf("failed to unlink chat: %w", err)
	}
	return nil
}

// DeleteByChat unlinks by external chat id and reports whether a row existed.
func (s *ChannelStore) DeleteByChat(ctx context.Context, tenantID uint, chatID int64) (bool, error) {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND chat_id = ?", tenantID, chatID).Delete(&ChannelLink{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to unlink chat %d: %w", chatID, res.Error)
	}
	return res.RowsAffected > 0, nil
}
