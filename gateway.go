package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
)

const (
	clientsPageSize     = 10
	tokenSubmitsPerHour = 5
)

var botTokenPattern = regexp.MustCompile(`^\d{9,10}:[A-Za-z0-9_-]{35,}$`)

// GatewayBot onboards tenants: it takes bot tokens from eligible users and
// serves the operator commands.
type GatewayBot struct {
	client    TelegramClient
	cfg       *Config
	registry  *TenantRegistry
	webhooks  *WebhookRegistrar
	newClient ClientFactory
	limiter   *submissionLimiter
	log       *zap.Logger
}

func NewGatewayBot(cfg *Config, registry *TenantRegistry, webhooks *WebhookRegistrar, newClient ClientFactory, clock Clock, log *zap.Logger) *GatewayBot {
	return &GatewayBot{
		cfg:       cfg,
		registry:  registry,
		webhooks:  webhooks,
		newClient: newClient,
		limiter:   newSubmissionLimiter(clock, tokenSubmitsPerHour),
		log:       log.Named("gateway"),
	}
}

// SetClient attaches the gateway's own Bot API client.
func (g *GatewayBot) SetClient(client TelegramClient) {
	g.client = client
}

// handlePolledUpdate adapts HandleUpdate to the long-polling callback.
func (g *GatewayBot) handlePolledUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if err := g.HandleUpdate(ctx, update); err != nil {
		g.log.Error("gateway update failed", zap.Error(err))
	}
}

func (g *GatewayBot) HandleUpdate(ctx context.Context, update *models.Update) error {
	switch {
	case update.CallbackQuery != nil:
		return g.onCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		return g.onMessage(ctx, update.Message)
	}
	return nil
}

func (g *GatewayBot) onMessage(ctx context.Context, msg *models.Message) error {
	if msg.From == nil || msg.Chat.Type != models.ChatTypePrivate {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/start":
		return g.onStart(ctx, msg)
	case "/clients", "/activate", "/deactivate", "/delete":
		if !g.cfg.IsAdmin(msg.From.ID) {
			return g.reply(ctx, msg.Chat.ID, fmt.Sprintf("This command is for operators. Your id is %d.", msg.From.ID))
		}
		return g.onAdminCommand(ctx, msg.Chat.ID, cmd, arg)
	}

	if botTokenPattern.MatchString(text) {
		return g.onToken(ctx, msg, text)
	}
	return nil
}

func (g *GatewayBot) onStart(ctx context.Context, msg *models.Message) error {
	if !isInGroup(ctx, g.client, g.cfg.GroupID, msg.From.ID) {
		return g.reply(ctx, msg.Chat.ID, fmt.Sprintf("This service is available to members of our group only. Contact %s for access.", g.cfg.ContactHandle))
	}
	return g.reply(ctx, msg.Chat.ID, "Create a bot with @BotFather, make it an administrator of your channel or group, then send its token here.")
}

// onToken connects the sender's bot. An owner keeps one bot: a different token
// from an owner with an active tenant is refused.
func (g *GatewayBot) onToken(ctx context.Context, msg *models.Message, token string) error {
	chatID, userID := msg.Chat.ID, msg.From.ID
	if !g.limiter.Allow(userID) {
		return g.reply(ctx, chatID, "Too many attempts. Try again later.")
	}
	if !isInGroup(ctx, g.client, g.cfg.GroupID, userID) {
		return g.reply(ctx, chatID, fmt.Sprintf("This service is available to members of our group only. Contact %s for access.", g.cfg.ContactHandle))
	}

	child, err := g.newClient(token)
	if err != nil {
		return g.reply(ctx, chatID, "That token does not look valid.")
	}
	me, err := child.GetMe(ctx)
	if err != nil {
		g.log.Info("token rejected by Telegram", zap.Int64("user_id", userID), zap.Error(err))
		return g.reply(ctx, chatID, "Telegram rejected that token. Check it with @BotFather and send it again.")
	}

	tenant, err := g.registry.UpsertByOwner(ctx, userID, displayName(msg.From), token)
	if err != nil {
		return err
	}
	if tenant.BotToken != token {
		name := "a bot"
		if nonEmpty(tenant.BotName) {
			name = "@" + *tenant.BotName
		}
		return g.reply(ctx, chatID, fmt.Sprintf("You already have %s connected. Ask an operator to remove it first.", name))
	}

	if err := g.registry.SetBotName(ctx, tenant.ID, me.Username); err != nil {
		return err
	}
	if err := g.webhooks.RegisterChild(ctx, child, tenant); err != nil {
		g.log.Error("failed to register child webhook", tenantField(tenant.ID), zap.Error(err))
		return g.reply(ctx, chatID, "Your bot is saved but Telegram did not accept the webhook. Send the token again in a minute.")
	}
	g.log.Info("tenant connected", tenantField(tenant.ID), zap.String("bot", me.Username))
	return g.reply(ctx, chatID, fmt.Sprintf("Connected @%s. Open it and send /admin to set up greetings.", me.Username))
}

func displayName(u *models.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (g *GatewayBot) onAdminCommand(ctx context.Context, chatID int64, cmd, arg string) error {
	if cmd == "/clients" {
		page := 1
		if arg != "" {
			if p, err := strconv.Atoi(arg); err == nil && p > 0 {
				page = p
			}
		}
		return g.sendClients(ctx, chatID, page)
	}

	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return g.reply(ctx, chatID, fmt.Sprintf("Usage: %s <tenant id>", cmd))
	}
	tenant, err := g.registry.Get(ctx, uint(id))
	if errors.Is(err, ErrTenantNotFound) {
		return g.reply(ctx, chatID, fmt.Sprintf("Tenant %d not found.", id))
	}
	if err != nil {
		return err
	}

	switch cmd {
	case "/activate":
		if err := g.registry.SetActive(ctx, tenant.ID, true); err != nil {
			return err
		}
		tenant.Active = true
		g.withChildClient(ctx, tenant, func(c TelegramClient) error {
			return g.webhooks.RegisterChild(ctx, c, tenant)
		})
		return g.reply(ctx, chatID, fmt.Sprintf("Tenant %d activated.", tenant.ID))
	case "/deactivate":
		if err := g.registry.SetActive(ctx, tenant.ID, false); err != nil {
			return err
		}
		g.withChildClient(ctx, tenant, func(c TelegramClient) error {
			return g.webhooks.Unregister(ctx, c)
		})
		return g.reply(ctx, chatID, fmt.Sprintf("Tenant %d deactivated.", tenant.ID))
	default:
		g.withChildClient(ctx, tenant, func(c TelegramClient) error {
			return g.webhooks.Unregister(ctx, c)
		})
		if err := g.registry.Delete(ctx, tenant.ID); err != nil {
			return err
		}
		return g.reply(ctx, chatID, fmt.Sprintf("Tenant %d deleted.", tenant.ID))
	}
}

// withChildClient runs a best-effort Bot API call on the tenant's own bot.
func (g *GatewayBot) withChildClient(ctx context.Context, t Tenant, fn func(TelegramClient) error) {
	client, err := g.newClient(t.BotToken)
	if err == nil {
		err = fn(client)
	}
	if err != nil {
		g.log.Warn("tenant bot call failed", tenantField(t.ID), zap.Error(err))
	}
}

func (g *GatewayBot) sendClients(ctx context.Context, chatID int64, page int) error {
	tenants, hasMore, err := g.registry.List(ctx, page, clientsPageSize)
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tenants, page %d\n\n", page)
	if len(tenants) == 0 {
		sb.WriteString("No tenants.")
	}
	for _, t := range tenants {
		name := "-"
		if nonEmpty(t.BotName) {
			name = "@" + *t.BotName
		}
		owner := strconv.FormatInt(t.OwnerID, 10)
		if nonEmpty(t.OwnerName) {
			owner = fmt.Sprintf("%s (%d)", *t.OwnerName, t.OwnerID)
		}
		state := "active"
		if !t.Active {
			state = "inactive"
		}
		fmt.Fprintf(&sb, "#%d %s, owner %s, %s\n", t.ID, name, owner, state)
	}

	params := &bot.SendMessageParams{ChatID: chatID, Text: sb.String()}
	if markup := clientsPageMarkup(page, hasMore); markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := g.client.SendMessage(ctx, params); err != nil {
		g.log.Warn("failed to send tenant list", zap.Error(err))
	}
	return nil
}

func (g *GatewayBot) onCallback(ctx context.Context, cb *models.CallbackQuery) error {
	_, _ = g.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cb.ID})
	page, ok := strings.CutPrefix(cb.Data, "gw:clients:")
	if !ok || !g.cfg.IsAdmin(cb.From.ID) {
		return nil
	}
	n, err := strconv.Atoi(page)
	if err != nil || n < 1 {
		return nil
	}
	return g.sendClients(ctx, cb.From.ID, n)
}

func (g *GatewayBot) reply(ctx context.Context, chatID int64, text string) error {
	if _, err := g.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		g.log.Warn("failed to reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	return nil
}
