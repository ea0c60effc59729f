package push

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"psicouja/backend/config"
)

func TestNew_DisabledUsesNoop(t *testing.T) {
	tr := New(&config.PushConfig{Enabled: false}, zap.NewNop())
	if _, ok := tr.(*NoopTransport); !ok {
		t.Fatalf("未启用推送时应返回 NoopTransport，实际 %T", tr)
	}
	if err := tr.Initialize(context.Background()); err != nil {
		t.Fatalf("Noop 初始化不应失败: %v", err)
	}
	if err := tr.Send(context.Background(), "tok", Message{Title: "t"}); err != nil {
		t.Errorf("Noop 发送不应失败: %v", err)
	}
}

func TestFirebaseTransport_SendBeforeInitialize(t *testing.T) {
	tr := NewFirebaseTransport("missing.json", "", zap.NewNop())
	err := tr.Send(context.Background(), "tok", Message{Title: "t"})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("期望 ErrNotInitialized，实际: %v", err)
	}
}

func TestFirebaseTransport_InitializeMissingCredentials(t *testing.T) {
	tr := NewFirebaseTransport("/nonexistent/firebase-adminsdk.json", "", zap.NewNop())
	if err := tr.Initialize(context.Background()); err == nil {
		t.Error("服务账号文件不存在时初始化应失败")
	}
}
