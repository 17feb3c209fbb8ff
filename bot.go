package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-telegram/bot/models"
)

// TenantBot is the cached credential object of one child bot: its API client
// plus the bot's own identity, fetched once on first use.
type TenantBot struct {
	TenantID uint
	Client   TelegramClient

	token string
	mu    sync.Mutex
	self  *models.User
}

func newTenantBot(tenantID uint, token string, client TelegramClient) *TenantBot {
	return &TenantBot{TenantID: tenantID, Client: client, token: token}
}

// Self returns the bot's own user. A failed lookup is retried on the next call.
func (b *TenantBot) Self(ctx context.Context) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.self != nil {
		return b.self, nil
	}
	me, err := b.Client.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("getMe failed: %w", err)
	}
	b.self = me
	return me, nil
}

func (b *TenantBot) Username(ctx context.Context) (string, error) {
	me, err := b.Self(ctx)
	if err != nil {
		return "", err
	}
	if me.Username == "" {
		return "", fmt.Errorf("bot %d has no username", me.ID)
	}
	return me.Username, nil
}

// deepLink builds the start link back to the tenant's own bot.
func deepLink(username string, tenantID uint) string {
	return fmt.Sprintf("https://t.me/%s?start=t%d", username, tenantID)
}
