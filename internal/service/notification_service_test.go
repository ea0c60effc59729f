package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"psicouja/backend/internal/model"
	"psicouja/backend/pkg/push"
)

func setupTestNotifier(dedupe Deduper, concurrency int) (*notifier, *testRepos, *recordingTransport) {
	r := newTestRepos()
	r.addPatient("pat-1", nil)
	r.st.tokens["tok-1"] = &model.DeviceToken{TokenID: "tok-1", PatientID: "pat-1", Token: "fcm-1"}
	r.st.tokens["tok-2"] = &model.DeviceToken{TokenID: "tok-2", PatientID: "pat-1", Token: "fcm-2"}
	r.st.tokens["tok-3"] = &model.DeviceToken{TokenID: "tok-3", PatientID: "pat-1", Token: "fcm-3"}

	transport := newRecordingTransport()
	n := NewNotifier(r.repo, transport, dedupe, NotifierOptions{Concurrency: concurrency, Timeout: time.Second}, zap.NewNop())
	return n.(*notifier), r, transport
}

func TestNotifier_CountsSuccessfulDevices(t *testing.T) {
	n, _, transport := setupTestNotifier(nil, 1)
	transport.errFor["fcm-2"] = errors.New("quota exceeded")

	got := n.NotifyQuestionnaireAssigned(context.Background(), "pat-1", "a-1", "PHQ-9")
	assert.Equal(t, 2, got)
}

func TestNotifier_RemovesUnregisteredTokens(t *testing.T) {
	n, r, transport := setupTestNotifier(nil, 1)
	transport.errFor["fcm-3"] = push.ErrUnregistered

	got := n.NotifyQuestionnaireAssigned(context.Background(), "pat-1", "a-1", "PHQ-9")
	assert.Equal(t, 2, got)
	_, exists := r.st.tokens["tok-3"]
	assert.False(t, exists, "失效令牌应被删除")
	_, exists = r.st.tokens["tok-1"]
	assert.True(t, exists)
}

func TestNotifier_NoDevices(t *testing.T) {
	n, _, transport := setupTestNotifier(nil, 1)

	got := n.NotifyQuestionnaireAssigned(context.Background(), "pat-unknown", "a-1", "PHQ-9")
	assert.Zero(t, got)
	assert.Zero(t, transport.sentCount())
}

func TestNotifier_DispatchDedupesByCompletion(t *testing.T) {
	n, _, transport := setupTestNotifier(&memDeduper{}, 4)

	assert.True(t, n.Dispatch("c-1", "pat-1", "a-1", "PHQ-9"))
	n.Wait()
	assert.True(t, n.Dispatch("c-1", "pat-1", "a-1", "PHQ-9"))
	n.Wait()

	assert.Equal(t, 3, transport.sentCount(), "第二次派发被去重，只推送一轮")
}

func TestNotifier_DispatchDropsWhenSaturated(t *testing.T) {
	n, _, _ := setupTestNotifier(nil, 1)
	// 占满并发槽
	assert.True(t, n.sem.TryAcquire(1))

	assert.False(t, n.Dispatch("c-1", "pat-1", "a-1", "PHQ-9"))
	n.sem.Release(1)
	n.Wait()
}
