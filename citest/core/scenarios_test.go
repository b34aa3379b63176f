package core_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/backendtest"
	"github.com/basinhq/basin/internal/chat"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/pkg/types"
)

var _ = Describe("Chat core", func() {
	var (
		backend     *backendtest.Backend
		bus         *event.Bus
		pool        *chat.Pool
		coordinator *chat.Coordinator
		ctx         context.Context
	)

	BeforeEach(func() {
		backend = backendtest.New()
		bus = event.NewBus()
		pool = chat.NewPool()
		coordinator = chat.NewCoordinator(chat.CoordinatorConfig{
			Pool:   pool,
			Client: api.NewClient(backend.URL()),
			Bus:    bus,
			Model:  "sonnet",
		})
		ctx = context.Background()
	})

	AfterEach(func() {
		coordinator.Deactivate()
		bus.Close()
		backend.Close()
	})

	Describe("a new conversation's first exchange", func() {
		It("streams deltas into one assistant message and returns to ready", func() {
			var mu sync.Mutex
			var statuses []string
			bus.Subscribe(event.SessionStatus, func(ev event.Event) {
				data := ev.Data.(event.SessionStatusData)
				mu.Lock()
				statuses = append(statuses, data.Status)
				mu.Unlock()
			})

			session, err := coordinator.Activate(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Persisted()).To(BeFalse())

			backend.ScriptStream(session.ID(), backendtest.TextStream("p1", "He", "llo"))
			Expect(session.Submit(ctx, "hello")).To(Succeed())

			Eventually(session.Status, 3*time.Second, 10*time.Millisecond).
				Should(Equal(chat.StatusReady))

			messages := session.Messages()
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Role).To(Equal(types.RoleUser))
			Expect(messages[1].Role).To(Equal(types.RoleAssistant))
			Expect(messages[1].Text()).To(Equal("Hello"))

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), statuses...)
			}, time.Second, 10*time.Millisecond).
				Should(Equal([]string{"submitted", "streaming", "ready"}))

			By("promoting the unsaved conversation after the exchange")
			Expect(session.Persisted()).To(BeTrue())
		})
	})

	Describe("switching tabs mid-stream", func() {
		It("aborts the old identity's stream and never mutates the new session", func() {
			backend.SeedConversation(types.Conversation{ID: "chat_a"}, nil)
			backend.SeedConversation(types.Conversation{ID: "chat_b"}, nil)

			gate := make(chan struct{})
			steps := backendtest.TextStream("p1", "partial ")
			steps = append(steps, backendtest.Step{Wait: gate})
			steps = append(steps, backendtest.Events(`{"type":"text-delta","id":"p1","delta":"late delta"}`)...)
			backend.ScriptStream("chat_a", steps)

			sessionA, err := coordinator.Activate(ctx, "chat_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(sessionA.Submit(ctx, "stream this")).To(Succeed())
			Eventually(sessionA.Status, 3*time.Second, 10*time.Millisecond).
				Should(Equal(chat.StatusStreaming))

			sessionB, err := coordinator.Activate(ctx, "chat_b")
			Expect(err).NotTo(HaveOccurred())
			Expect(pool.Refs("chat_a")).To(BeZero())

			// Let the stale delta through; the torn-down session must
			// discard it and B must stay untouched.
			close(gate)
			Consistently(func() int {
				return len(sessionB.Messages())
			}, 200*time.Millisecond, 20*time.Millisecond).Should(BeZero())

			messagesA := sessionA.Messages()
			Expect(messagesA).To(HaveLen(2))
			Expect(messagesA[1].Text()).To(Equal("partial "))
		})
	})

	Describe("compacting a long conversation", func() {
		It("replaces the summarized prefix with one checkpoint message", func() {
			raws := make([]types.RawMessage, 0, 12)
			for i := 1; i <= 12; i++ {
				role := types.RoleUser
				if i%2 == 0 {
					role = types.RoleAssistant
				}
				raws = append(raws, types.RawMessage{
					ID:      fmt.Sprintf("m%d", i),
					Role:    role,
					Content: fmt.Sprintf("message %d", i),
				})
			}
			backend.SeedConversation(types.Conversation{ID: "chat_long", MessageCount: 12}, raws)
			backend.SetUsage("chat_long", &types.UsageSnapshot{
				ChatID:        "chat_long",
				Percentage:    90,
				TokensUsed:    180000,
				ContextWindow: 200000,
			})

			compacted := []types.RawMessage{{
				ID:   "cp1",
				Role: types.RoleCheckpoint,
				Parts: []json.RawMessage{
					json.RawMessage(`{"id":"cp1_meta","type":"checkpoint-metadata","version":1,"messagesSummarized":8,"summary":"the first eight messages"}`),
				},
			}}
			compacted = append(compacted, raws[8:]...)
			backend.ScriptCompact("chat_long", backendtest.CompactScript{
				Result:   map[string]any{"compacted": true, "summary_version": 1, "messages_summarized": 8},
				Messages: compacted,
			})

			session, err := coordinator.Activate(ctx, "chat_long")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Messages()).To(HaveLen(12))
			Expect(session.Usage().Tier()).To(Equal(types.TierCritical))

			compactor := chat.NewCompactor(api.NewClient(backend.URL()), bus)
			Expect(compactor.CanCompact(session)).To(BeTrue())
			Expect(compactor.Compact(ctx, session, false)).To(Succeed())

			messages := session.Messages()
			Expect(messages).To(HaveLen(5))
			Expect(messages[0].IsCheckpoint()).To(BeTrue())
			for i, id := range []string{"m9", "m10", "m11", "m12"} {
				Expect(messages[i+1].ID).To(Equal(id))
			}
		})
	})

	Describe("the permission retry flow", func() {
		It("grants, flushes, and regenerates without duplicating messages", func() {
			backend.SeedConversation(types.Conversation{ID: "chat_perm"}, nil)
			backend.ScriptStream("chat_perm", backendtest.Events(
				`{"type":"tool-input-available","toolCallId":"c1","toolName":"update_document","input":{"doc":"d1"}}`,
				`{"type":"tool-output-available","toolCallId":"c1","output":{"permission_needed":true,"entity_id":"d1","entity_type":"page","entity_title":"Journal"}}`,
			))

			var mu sync.Mutex
			var required []event.PermissionRequiredData
			bus.Subscribe(event.PermissionRequired, func(ev event.Event) {
				data := ev.Data.(event.PermissionRequiredData)
				mu.Lock()
				required = append(required, data)
				mu.Unlock()
			})

			session, err := coordinator.Activate(ctx, "chat_perm")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Submit(ctx, "edit my journal")).To(Succeed())
			Eventually(session.Status, 3*time.Second, 10*time.Millisecond).
				Should(Equal(chat.StatusReady))

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(required)
			}, time.Second, 10*time.Millisecond).Should(Equal(1))

			mu.Lock()
			grant := required[0].Grant
			mu.Unlock()
			countBefore := len(session.Messages())

			backend.ScriptStream("chat_perm", backendtest.TextStream("p2", "Done."))
			Expect(session.Allow(ctx, grant)).To(Succeed())
			Eventually(session.Status, 3*time.Second, 10*time.Millisecond).
				Should(Equal(chat.StatusReady))

			Expect(backend.Grants("chat_perm")).To(ConsistOf(grant))
			messages := session.Messages()
			Expect(messages).To(HaveLen(countBefore))
			Expect(messages[len(messages)-1].Text()).To(Equal("Done."))
		})
	})
})
