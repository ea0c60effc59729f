// Package push 推送通知传输层
// 启动时显式构造并注入到通知服务，不使用包级单例
package push

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"psicouja/backend/config"
)

var (
	// ErrUnregistered 设备令牌已失效，调用方应删除该令牌
	ErrUnregistered = errors.New("push: 设备令牌已失效")
	// ErrNotInitialized 传输层尚未初始化
	ErrNotInitialized = errors.New("push: 传输层未初始化")
)

// Message 单条推送内容
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Transport 推送传输接口
type Transport interface {
	Initialize(ctx context.Context) error
	Send(ctx context.Context, token string, msg Message) error
}

// New 根据配置构造传输层；未启用推送时返回 NoopTransport
func New(cfg *config.PushConfig, logger *zap.Logger) Transport {
	if !cfg.Enabled {
		return NewNoopTransport(logger)
	}
	return NewFirebaseTransport(cfg.CredentialsFile, cfg.WebpushLink, logger)
}

// ════════════════════════════════════════════
// Firebase Cloud Messaging
// ════════════════════════════════════════════

// FirebaseTransport 基于 FCM 的推送实现
type FirebaseTransport struct {
	credentialsFile string
	webpushLink     string
	logger          *zap.Logger

	mu     sync.RWMutex
	client *messaging.Client
}

func NewFirebaseTransport(credentialsFile, webpushLink string, logger *zap.Logger) *FirebaseTransport {
	return &FirebaseTransport{
		credentialsFile: credentialsFile,
		webpushLink:     webpushLink,
		logger:          logger,
	}
}

// Initialize 加载服务账号并创建 Messaging 客户端；重复调用无副作用
func (t *FirebaseTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return nil
	}
	if _, err := os.Stat(t.credentialsFile); err != nil {
		return fmt.Errorf("Firebase 服务账号文件不可用: %w", err)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(t.credentialsFile))
	if err != nil {
		return fmt.Errorf("初始化 Firebase 失败: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("创建 Firebase Messaging 客户端失败: %w", err)
	}

	t.client = client
	t.logger.Info("Firebase 推送已初始化")
	return nil
}

// Send 发送单条推送；令牌失效时返回 ErrUnregistered
func (t *FirebaseTransport) Send(ctx context.Context, token string, msg Message) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return ErrNotInitialized
	}

	// notification 字段负责后台展示，data 字段携带点击路由信息
	data := make(map[string]string, len(msg.Data)+2)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["title"] = msg.Title
	data["body"] = msg.Body

	m := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
	}
	if t.webpushLink != "" {
		m.Webpush = &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{Link: t.webpushLink},
		}
	}

	id, err := client.Send(ctx, m)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return ErrUnregistered
		}
		return fmt.Errorf("FCM 发送失败: %w", err)
	}

	t.logger.Debug("推送已发送", zap.String("message_id", id))
	return nil
}

// ════════════════════════════════════════════
// Noop
// ════════════════════════════════════════════

// NoopTransport 未启用推送时使用：只记录日志，视为发送成功
type NoopTransport struct {
	logger *zap.Logger
}

func NewNoopTransport(logger *zap.Logger) *NoopTransport {
	return &NoopTransport{logger: logger}
}

func (t *NoopTransport) Initialize(_ context.Context) error {
	t.logger.Info("推送未启用，使用空实现")
	return nil
}

func (t *NoopTransport) Send(_ context.Context, token string, msg Message) error {
	t.logger.Debug("跳过推送",
		zap.String("title", msg.Title),
		zap.Int("token_len", len(token)),
	)
	return nil
}
