package tiercache

import (
	"context"
	"net/http"
	"time"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("MemoryStore", func() {
	var (
		store *MemoryStore
		ctx   context.Context
		now   time.Time
	)

	ginkgo.BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		store = NewMemoryStore(2, time.Hour)
		store.now = func() time.Time { return now }
	})

	ginkgo.It("returns stored entries", func() {
		store.Set(ctx, Key(http.MethodHead, "https://a/x"), &Entry{
			StatusCode: http.StatusOK,
			Header:     http.Header{"X-Bz-Content-Sha1": {"abc"}},
		}, time.Minute)

		entry, ok := store.Get(ctx, Key(http.MethodHead, "https://a/x"))
		Expect(ok).To(BeTrue())
		Expect(entry.StatusCode).To(Equal(http.StatusOK))
		Expect(entry.Header.Get("X-Bz-Content-Sha1")).To(Equal("abc"))
		Expect(store.Stats().Hits).To(Equal(int64(1)))
	})

	ginkgo.It("counts misses", func() {
		_, ok := store.Get(ctx, "missing")
		Expect(ok).To(BeFalse())
		Expect(store.Stats().Misses).To(Equal(int64(1)))
	})

	ginkgo.It("does not store entries with a zero lifetime", func() {
		store.Set(ctx, "k", &Entry{StatusCode: http.StatusBadGateway}, 0)
		_, ok := store.Get(ctx, "k")
		Expect(ok).To(BeFalse())
	})

	ginkgo.It("expires entries after their own lifetime", func() {
		store.Set(ctx, "k", &Entry{StatusCode: http.StatusNotFound}, 2*time.Minute)

		now = now.Add(time.Minute)
		_, ok := store.Get(ctx, "k")
		Expect(ok).To(BeTrue())

		now = now.Add(2 * time.Minute)
		_, ok = store.Get(ctx, "k")
		Expect(ok).To(BeFalse())
		Expect(store.Stats().Size).To(Equal(0))
	})

	ginkgo.It("evicts the least recently used entry when full", func() {
		store.Set(ctx, "a", &Entry{StatusCode: 200}, time.Minute)
		store.Set(ctx, "b", &Entry{StatusCode: 200}, time.Minute)
		store.Set(ctx, "c", &Entry{StatusCode: 200}, time.Minute)

		_, ok := store.Get(ctx, "a")
		Expect(ok).To(BeFalse())
		Expect(store.Stats().Evictions).To(Equal(int64(1)))
		Expect(store.Stats().MaxSize).To(Equal(2))
	})

	ginkgo.It("deletes and purges", func() {
		store.Set(ctx, "a", &Entry{StatusCode: 200}, time.Minute)
		store.Set(ctx, "b", &Entry{StatusCode: 200}, time.Minute)

		store.Delete(ctx, "a")
		Expect(store.Stats().Size).To(Equal(1))

		store.Purge(ctx)
		Expect(store.Stats().Size).To(Equal(0))
	})
})

var _ = ginkgo.Describe("Entry", func() {
	ginkgo.It("never expires without a deadline", func() {
		Expect((&Entry{}).Expired(time.Now())).To(BeFalse())
	})
})
